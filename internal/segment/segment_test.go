package segment

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitTwoCoursesNoSentinel(t *testing.T) {
	raw := strings.Join([]string{
		"intro line for first course",
		"PAGE https://canvas.example.edu/courses/111/pages/syllabus",
		"first course body",
		"PAGE https://canvas.example.edu/courses/222/pages/home",
		"second course body",
	}, "\n")

	got := SplitByCourse(raw)
	if len(got) != 2 {
		t.Fatalf("got %d segments, want 2", len(got))
	}
	if got[0].CourseID != "111" || got[1].CourseID != "222" {
		t.Errorf("ids = %q, %q", got[0].CourseID, got[1].CourseID)
	}
	// The first segment ends before the line that introduces 222; that
	// boundary line belongs to the second segment.
	if strings.Contains(got[0].Text, "courses/222") {
		t.Errorf("first segment leaked the boundary line: %q", got[0].Text)
	}
	if !strings.HasPrefix(got[1].Text, "PAGE https://canvas.example.edu/courses/222") {
		t.Errorf("second segment does not start at the boundary: %q", got[1].Text)
	}
	if !strings.Contains(got[0].Text, "first course body") {
		t.Errorf("first segment missing body: %q", got[0].Text)
	}
}

func TestSplitCapturesBracketedName(t *testing.T) {
	raw := strings.Join([]string{
		"[MATH 4220_5220 Complex Analysis _2025FA_] PAGE https://canvas.example.edu/courses/80348",
		"lecture notes",
	}, "\n")

	got := SplitByCourse(raw)
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	if got[0].CourseName != "MATH 4220_5220 Complex Analysis _2025FA_" {
		t.Errorf("name = %q", got[0].CourseName)
	}
	if got[0].CourseID != "80348" {
		t.Errorf("id = %q", got[0].CourseID)
	}
}

func TestSplitCourseDoneSentinelClosesImmediately(t *testing.T) {
	raw := strings.Join([]string{
		"PAGE https://canvas.example.edu/courses/111/pages/a",
		"body",
		"[log] [course done] 111: 4 pages, 2 file endpoints",
		"trailing unattributed lines",
	}, "\n")

	got := SplitByCourse(raw)
	if len(got) != 2 {
		t.Fatalf("got %d segments, want 2", len(got))
	}
	// The sentinel line itself belongs to the closed segment.
	if !strings.Contains(got[0].Text, "[course done] 111") {
		t.Errorf("first segment missing sentinel line: %q", got[0].Text)
	}
	// After the sentinel the course is reset; trailing lines are GLOBAL.
	if got[1].CourseID != GlobalCourseID {
		t.Errorf("trailing segment id = %q, want GLOBAL", got[1].CourseID)
	}
}

func TestSplitDoneSentinelForOtherCourseIgnored(t *testing.T) {
	raw := strings.Join([]string{
		"PAGE https://canvas.example.edu/courses/111/pages/a",
		"[log] [course done] 999",
		"still course 111",
	}, "\n")

	got := SplitByCourse(raw)
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	if got[0].CourseID != "111" {
		t.Errorf("id = %q, want 111", got[0].CourseID)
	}
}

func TestSplitNoMarkersDegradesToGlobal(t *testing.T) {
	raw := "just some text\nwith no course markers at all"
	got := SplitByCourse(raw)
	want := []CourseSegment{{
		CourseID:   GlobalCourseID,
		CourseName: GlobalCourseID,
		Text:       raw,
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestSplitEmptyInputEmitsNothing(t *testing.T) {
	if got := SplitByCourse(""); len(got) != 0 {
		t.Errorf("got %d segments, want 0", len(got))
	}
	if got := SplitByCourse("\n\n\n"); len(got) != 0 {
		t.Errorf("blank lines: got %d segments, want 0", len(got))
	}
}

func TestSplitDeterministic(t *testing.T) {
	raw := strings.Join([]string{
		"[CS 4780 Machine Learning] PAGE https://canvas.example.edu/courses/111",
		"lecture 1",
		"[log] [course done] 111",
		"[PHYS 2213] PAGE https://canvas.example.edu/courses/222",
		"lab handout",
	}, "\n")
	first := SplitByCourse(raw)
	for i := 0; i < 5; i++ {
		if again := SplitByCourse(raw); !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d differs: %+v vs %+v", i, first, again)
		}
	}
}

func TestSplitDefaultNameWhenNoLabel(t *testing.T) {
	raw := "PAGE https://canvas.example.edu/courses/333/pages/a\nbody"
	got := SplitByCourse(raw)
	if len(got) != 1 {
		t.Fatalf("got %d segments, want 1", len(got))
	}
	if got[0].CourseName != "course 333" {
		t.Errorf("name = %q, want %q", got[0].CourseName, "course 333")
	}
}
