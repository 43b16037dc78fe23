// Package segment splits the raw scrape stream into ordered per-course
// segments using URL and marker heuristics.
package segment

import (
	"regexp"
	"strings"
)

// GlobalCourseID labels a segment that could not be attributed to any course.
const GlobalCourseID = "GLOBAL"

// CourseSegment is a contiguous portion of the raw stream attributed to one
// course. Segments are emitted in the order their content appeared.
type CourseSegment struct {
	CourseID   string
	CourseName string
	Text       string
}

var (
	courseURLRe = regexp.MustCompile(`https?://[^\s)]+/courses/(\d+)`)
	courseDoneRe = regexp.MustCompile(`\[log\]\s*\[course done\]\s*(\d+)`)
	// The bracketed human-readable label immediately before a PAGE marker, e.g.
	// ... [MATH 4220 Complex Analysis _2025FA_] PAGE https://canvas.../courses/80348
	pageNameRe = regexp.MustCompile(`\[([^\]]+?)\]\s+PAGE\s+https?://`)
)

// SplitByCourse partitions raw into ordered course segments. A line is
// processed in a fixed order: name capture, course-id detection (flushing the
// open segment on a switch), unconditional buffer append, then the explicit
// course-done check (which closes the open segment immediately, even
// mid-buffer). Streams with no recognizable markers degrade to a single
// GLOBAL segment. Empty segments are never emitted.
func SplitByCourse(raw string) []CourseSegment {
	var (
		parts   []CourseSegment
		curID   string
		curName string
		buf     []string
	)

	flush := func(id, name string) {
		text := strings.TrimSpace(strings.Join(buf, "\n"))
		buf = buf[:0]
		if text == "" {
			return
		}
		if name == "" {
			name = "course " + id
		}
		parts = append(parts, CourseSegment{CourseID: id, CourseName: name, Text: text})
	}

	for _, line := range strings.Split(raw, "\n") {
		if m := pageNameRe.FindStringSubmatch(line); m != nil {
			curName = strings.TrimSpace(m[1])
		}

		if m := courseURLRe.FindStringSubmatch(line); m != nil {
			id := m[1]
			switch {
			case curID == "":
				curID = id
			case id != curID:
				flush(curID, curName)
				curID = id
			}
		}

		buf = append(buf, line)

		if m := courseDoneRe.FindStringSubmatch(line); m != nil && curID != "" && m[1] == curID {
			flush(curID, curName)
			curID = ""
			curName = ""
		}
	}

	if len(buf) > 0 {
		id, name := curID, curName
		if id == "" {
			id = GlobalCourseID
			if name == "" {
				name = GlobalCourseID
			}
		}
		flush(id, name)
	}
	return parts
}
