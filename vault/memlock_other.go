//go:build !unix

package vault

func lockMemory(b []byte)   {}
func unlockMemory(b []byte) {}
