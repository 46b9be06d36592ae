//go:build !linux && !darwin

package screen

func platformTools() []tool { return nil }
