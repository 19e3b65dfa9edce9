//go:build !linux && !darwin

package tun

import "fmt"

func open(cfg Config) (Device, error) {
	return nil, fmt.Errorf("tun: unsupported platform, pass an already-open descriptor via --tun-fd on a supported OS")
}
