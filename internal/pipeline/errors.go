package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed. Every kind is terminal for the run.
type Kind string

const (
	KindInput      Kind = "input"
	KindSourceRead Kind = "source_read"
	KindDecode     Kind = "decode"
	KindEncode     Kind = "encode"
	KindPublish    Kind = "publish"
)

// Permanent reports whether retrying the same notification can never succeed.
func (k Kind) Permanent() bool {
	switch k {
	case KindInput, KindDecode, KindEncode:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind   Kind
	Stage  Stage
	Object string
	Err    error
}

func (e *Error) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("%s stage object=%s: %v", e.Stage, e.Object, e.Err)
	}
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind checks whether err carries a run error of the given kind.
func IsKind(err error, kind Kind) bool {
	var target *Error
	if errors.As(err, &target) {
		return target.Kind == kind
	}
	return false
}

func kindForStage(stage Stage) Kind {
	switch stage {
	case StageResolveIdentity:
		return KindInput
	case StageFetch, StageCollect:
		return KindSourceRead
	case StageDecode, StageTransform:
		return KindDecode
	case StageEncode:
		return KindEncode
	default:
		return KindPublish
	}
}
