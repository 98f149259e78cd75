//go:build !linux

package nspawn

type netlinkLinks struct{}

func (netlinkLinks) LinkExists(string) (bool, error) {
	return true, nil
}
