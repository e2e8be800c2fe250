package gms

import "errors"

var (
    ErrNotCoordinator = errors.New("gms: not coordinator")
    ErrStopped        = errors.New("gms: node stopped")
    ErrNoView         = errors.New("gms: no view installed")
)
