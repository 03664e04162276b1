package torrent

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

func newExpiredTimer() *time.Timer {
	timer := time.NewTimer(time.Second) //arbitrary duration
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

type ipPort struct {
	ip   net.IP
	port uint16
}

func parseAddr(address string) (ipPort, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return ipPort{}, fmt.Errorf("parse addr: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ipPort{}, fmt.Errorf("parse addr: bad ip %s", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ipPort{}, fmt.Errorf("parse addr: %w", err)
	}
	return ipPort{ip, uint16(port)}, nil
}

//in order for this function to work correctly, no values should
//be ever sent at `ch`.
func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
