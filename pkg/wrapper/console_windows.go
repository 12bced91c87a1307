//go:build windows

package wrapper

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"agentchattr/pkg/logx"
)

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	user32                = windows.NewLazySystemDLL("user32.dll")
	procWriteConsoleInput = kernel32.NewProc("WriteConsoleInputW")
	procReadConsoleOutput = kernel32.NewProc("ReadConsoleOutputW")
	procGetConsoleWindow  = kernel32.NewProc("GetConsoleWindow")
	procSetForeground     = user32.NewProc("SetForegroundWindow")
)

const (
	keyEventType   = 0x0001
	vkReturn       = 0x0D
	vkEscape       = 0x1B
	scanReturn     = 0x1C
	scanEscape     = 0x01
	leftCtrlDown   = 0x0008
	consoleKeyWait = 300 * time.Millisecond
)

// keyInputRecord mirrors INPUT_RECORD restricted to key events, padding
// included, so a slice of them can go straight to WriteConsoleInputW.
type keyInputRecord struct {
	eventType       uint16
	_               uint16
	keyDown         int32
	repeatCount     uint16
	virtualKeyCode  uint16
	virtualScanCode uint16
	unicodeChar     uint16
	controlKeyState uint32
}

// charInfo mirrors CHAR_INFO for ReadConsoleOutputW.
type charInfo struct {
	char       uint16
	attributes uint16
}

// consoleSession runs the agent as a child sharing the wrapper's console.
// Injection writes key events into the shared input buffer; capture reads
// the visible window of the shared screen buffer. The command line is split
// on whitespace.
type consoleSession struct {
	name    string
	command string
	dir     string
	logger  *logx.Logger

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

func newPlatformSession(agent, command, dir string) (Session, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve agent dir %q: %w", dir, err)
	}
	return &consoleSession{
		name:    SessionName(agent),
		command: command,
		dir:     abs,
		logger:  logx.NewLogger("session"),
	}, nil
}

func (s *consoleSession) Name() string { return s.name }

func (s *consoleSession) Spawn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aliveLocked() {
		s.logger.Warn("Killing stale process before respawn of %s", s.name)
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	parts := strings.Fields(s.command)
	if len(parts) == 0 {
		return fmt.Errorf("agent command for %s is empty", s.name)
	}
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Dir = s.dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	s.logger.Info("Starting session: %s", strings.Join(cmd.Args, " "))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn session %s: %w", s.name, err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	s.cmd = cmd
	s.done = done
	_ = ctx
	return nil
}

func (s *consoleSession) Inject(text string) error {
	if err := s.writeKey(0, vkEscape, scanEscape, 0); err != nil {
		return err
	}
	time.Sleep(injectSettle)
	for _, r := range text {
		if err := s.writeKey(uint16(r), 0, 0, 0); err != nil {
			return err
		}
	}
	time.Sleep(consoleKeyWait)
	return s.writeKey('\r', vkReturn, scanReturn, 0)
}

func (s *consoleSession) SendKey(key string) error {
	switch key {
	case "C-c":
		return s.writeKey(0x03, 'C', 0, leftCtrlDown)
	case "Enter":
		return s.writeKey('\r', vkReturn, scanReturn, 0)
	case "Escape":
		return s.writeKey(0, vkEscape, scanEscape, 0)
	default:
		return fmt.Errorf("unsupported key chord %q", key)
	}
}

// writeKey posts one key press and release into the console input buffer.
func (s *consoleSession) writeKey(ch, vk, scan uint16, ctrlState uint32) error {
	in, err := windows.GetStdHandle(windows.STD_INPUT_HANDLE)
	if err != nil {
		return fmt.Errorf("failed to get console input handle: %w", err)
	}
	records := []keyInputRecord{
		{eventType: keyEventType, keyDown: 1, repeatCount: 1, virtualKeyCode: vk, virtualScanCode: scan, unicodeChar: ch, controlKeyState: ctrlState},
		{eventType: keyEventType, keyDown: 0, repeatCount: 1, virtualKeyCode: vk, virtualScanCode: scan, unicodeChar: ch, controlKeyState: ctrlState},
	}
	var written uint32
	ret, _, callErr := procWriteConsoleInput.Call(
		uintptr(in),
		uintptr(unsafe.Pointer(&records[0])),
		uintptr(len(records)),
		uintptr(unsafe.Pointer(&written)),
	)
	if ret == 0 {
		return fmt.Errorf("WriteConsoleInput failed: %w", callErr)
	}
	return nil
}

// Capture reads the visible console window as text, one trimmed line per
// screen row.
func (s *consoleSession) Capture() ([]byte, error) {
	out, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE)
	if err != nil {
		return nil, fmt.Errorf("failed to get console output handle: %w", err)
	}
	var info windows.ConsoleScreenBufferInfo
	if err := windows.GetConsoleScreenBufferInfo(out, &info); err != nil {
		return nil, fmt.Errorf("failed to read screen buffer info: %w", err)
	}
	win := info.Window
	cols := int(win.Right-win.Left) + 1
	rows := int(win.Bottom-win.Top) + 1
	if cols <= 0 || rows <= 0 {
		return nil, nil
	}
	buf := make([]charInfo, cols*rows)
	size := uintptr(uint32(uint16(cols)) | uint32(uint16(rows))<<16)
	coord := uintptr(0)
	region := win
	ret, _, callErr := procReadConsoleOutput.Call(
		uintptr(out),
		uintptr(unsafe.Pointer(&buf[0])),
		size,
		coord,
		uintptr(unsafe.Pointer(&region)),
	)
	if ret == 0 {
		return nil, fmt.Errorf("ReadConsoleOutput failed: %w", callErr)
	}
	var text bytes.Buffer
	for row := 0; row < rows; row++ {
		line := make([]rune, 0, cols)
		for col := 0; col < cols; col++ {
			line = append(line, rune(buf[row*cols+col].char))
		}
		text.WriteString(strings.TrimRight(string(line), " \x00"))
		text.WriteByte('\n')
	}
	return text.Bytes(), nil
}

func (s *consoleSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aliveLocked()
}

func (s *consoleSession) aliveLocked() bool {
	if s.cmd == nil || s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *consoleSession) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.aliveLocked() {
		return nil
	}
	s.logger.Info("Killing session %s", s.name)
	if err := s.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("failed to kill session %s: %w", s.name, err)
	}
	<-s.done
	return nil
}

func (s *consoleSession) Focus() error {
	hwnd, _, _ := procGetConsoleWindow.Call()
	if hwnd == 0 {
		return nil
	}
	procSetForeground.Call(hwnd) //nolint:errcheck // Focus is best-effort
	return nil
}
