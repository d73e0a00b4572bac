package router

import (
	"fmt"
	"strings"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
	"github.com/sureshkrishnan-v/signalbus/internal/signal"
)

// ValidatePath checks a route pattern and returns its segments.
func ValidatePath(path string) ([]string, error) {
	if path == "" {
		return nil, invalidPath(path, "path is empty")
	}
	if strings.Contains(path, "..") {
		return nil, invalidPath(path, "path contains '..'")
	}
	segments := strings.Split(path, constants.PathSeparator)
	for i, seg := range segments {
		switch {
		case seg == "":
			return nil, invalidPath(path, "path has an empty segment")
		case seg == constants.WildcardMulti:
			if i > 0 && segments[i-1] == constants.WildcardMulti {
				return nil, invalidPath(path, "path contains consecutive '**'")
			}
		case seg == constants.WildcardSingle:
		case strings.Contains(seg, constants.WildcardSingle):
			return nil, invalidPath(path, fmt.Sprintf("wildcard embedded in segment %q", seg))
		default:
			for _, r := range seg {
				if !validRune(r) {
					return nil, invalidPath(path, fmt.Sprintf("segment %q contains %q", seg, r))
				}
			}
		}
	}
	return segments, nil
}

func validRune(r rune) bool {
	return r >= 'a' && r <= 'z' ||
		r >= 'A' && r <= 'Z' ||
		r >= '0' && r <= '9' ||
		r == '_' || r == '-'
}

func invalidPath(path, reason string) error {
	return &ValidationError{Path: path, Reason: reason, Err: ErrInvalidPath}
}

// ValidatePriority checks the priority bounds.
func ValidatePriority(priority int) error {
	if priority < constants.MinPriority || priority > constants.MaxPriority {
		return fmt.Errorf("%w: %d not in [%d, %d]",
			ErrInvalidPriority, priority, constants.MinPriority, constants.MaxPriority)
	}
	return nil
}

// probeSignal is handed to predicates at registration time.
var probeSignal = &signal.Signal{
	ID:     "00000000-0000-7000-8000-000000000000",
	Type:   "probe",
	Source: "router",
	Data:   map[string]any{},
}

// ValidateMatch invokes the predicate once on a synthetic signal. A
// predicate that panics is rejected.
func ValidateMatch(path string, match Predicate) (err error) {
	if match == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = &ValidationError{
				Path:   path,
				Reason: fmt.Sprintf("match predicate panicked on probe: %v", r),
				Err:    ErrInvalidMatch,
			}
		}
	}()
	cp := *probeSignal
	match(&cp)
	return nil
}

// Validate checks every field of a route.
func Validate(r Route) error {
	if _, err := ValidatePath(r.Path); err != nil {
		return err
	}
	if err := ValidatePriority(r.Priority); err != nil {
		return &ValidationError{Path: r.Path, Reason: err.Error(), Err: ErrInvalidPriority}
	}
	if r.Target == nil {
		return &ValidationError{Path: r.Path, Reason: "target is nil", Err: ErrInvalidTarget}
	}
	return ValidateMatch(r.Path, r.Match)
}
