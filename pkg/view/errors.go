package view

import "errors"

var (
    // ErrInvalidArgument marks a construction-time contract violation.
    ErrInvalidArgument = errors.New("view: invalid argument")
    // ErrRefMismatch is returned when a DeltaView is applied to a view other
    // than the one it references.
    ErrRefMismatch = errors.New("view: delta references a different view")
    ErrShortBuffer = errors.New("view: short buffer")
)
