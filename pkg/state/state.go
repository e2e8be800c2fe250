package state

import "github.com/amirimatin/go-gms/pkg/view"

// ViewStore journals installed views so a restarted node knows the last view
// it was part of.
type ViewStore interface {
    Append(v *view.View) error
    Last() (*view.View, error)
    Close() error
}
