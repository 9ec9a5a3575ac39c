//go:build windows

package main

import (
	"os"
	"os/signal"
	"syscall"
	"unsafe"
)

var (
	kernel32           = syscall.NewLazyDLL("kernel32.dll")
	procGetConsoleMode = kernel32.NewProc("GetConsoleMode")
	procSetConsoleMode = kernel32.NewProc("SetConsoleMode")
	procGetStdHandle   = kernel32.NewProc("GetStdHandle")
)

const (
	stdErrorHandle                  = ^uintptr(0) - 12 + 1 // STD_ERROR_HANDLE = -12
	enableVirtualTerminalProcessing = 0x0004
)

// enableANSI switches stderr to VT processing on Windows 10+ and falls back
// to plain output when the console refuses.
func enableANSI() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
		return
	}
	handle, _, _ := procGetStdHandle.Call(stdErrorHandle)
	if handle == 0 {
		noColor = true
		return
	}
	var mode uint32
	if r, _, _ := procGetConsoleMode.Call(handle, uintptr(unsafe.Pointer(&mode))); r == 0 {
		noColor = true
		return
	}
	if r, _, _ := procSetConsoleMode.Call(handle, uintptr(mode|enableVirtualTerminalProcessing)); r == 0 {
		noColor = true
	}
}

func registerSignals(ch chan<- os.Signal) {
	// SIGTERM is not delivered on Windows.
	signal.Notify(ch, os.Interrupt)
}
