package merge

import "fmt"

// State is where a segment is in its lifecycle. Capturing and Finished are
// owned by the rotator; everything after Finished is owned by the pipeline
type State int

const (
	Capturing State = iota
	Finished
	Resolving
	Splitting
	Merging
	Merged
	Discarded
	Failed
)

var stateNames = [...]string{
	Capturing: "capturing",
	Finished:  "finished",
	Resolving: "resolving",
	Splitting: "splitting",
	Merging:   "merging",
	Merged:    "merged",
	Discarded: "discarded",
	Failed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal returns true for the states a segment can end in
func (s State) Terminal() bool {
	return s == Merged || s == Discarded || s == Failed
}

// ExhaustedErr is returned when every merge attempt for a segment failed. The
// segment has been preserved (see Path), not deleted
type ExhaustedErr struct {
	Segment  string
	Path     string
	Attempts int
	Last     error
}

func (e *ExhaustedErr) Error() string {
	return fmt.Sprintf("could not merge %s after %d attempts (preserved at %s): %v",
		e.Segment, e.Attempts, e.Path, e.Last)
}

func (e *ExhaustedErr) Unwrap() error {
	return e.Last
}
