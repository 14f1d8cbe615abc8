//go:build !linux

package core

func osThreadID() int {
	return 0
}
