//go:build !(linux && amd64)

package native

import "github.com/monsterxx03/tracer/pkg/proc"

type Platform struct {
	proc.Platform
}

func New() (*Platform, error) {
	return nil, ErrUnsupported
}
