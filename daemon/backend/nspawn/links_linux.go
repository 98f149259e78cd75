package nspawn

import (
	"errors"

	"github.com/vishvananda/netlink"
)

// netlinkLinks looks host links up over netlink.
type netlinkLinks struct{}

func (netlinkLinks) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
