package misty

import (
	"context"
	"errors"
	"sync"
)

// ErrMockFailure is returned by Mock operations configured to fail.
var ErrMockFailure = errors.New("misty: mock failure")

// Call is one recorded Mock operation.
type Call struct {
	Op     string
	Name   string
	Volume int
	Color  Color
	Text   string
}

// Mock is an in-memory Device for testing. It records every call and
// stores uploaded files.
type Mock struct {
	mu    sync.Mutex
	calls []Call
	files map[string][]byte

	// fail counts remaining failures per op name ("save_audio",
	// "play_audio", ...). -1 fails forever.
	fail map[string]int

	// failFile makes save_audio and play_audio fail for one file name.
	failFile map[string]bool

	// Hooks run after the call is recorded, outside the lock.
	OnSave func(name string)
	OnPlay func(name string)
}

// NewMock creates an empty Mock.
func NewMock() *Mock {
	return &Mock{
		files:    make(map[string][]byte),
		fail:     make(map[string]int),
		failFile: make(map[string]bool),
	}
}

// FailOp makes op fail n times, or forever when n is -1.
func (m *Mock) FailOp(op string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = n
}

// FailFile makes uploads and plays of name fail.
func (m *Mock) FailFile(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failFile[name] = true
}

// PutFile stores a file as if the device had recorded it.
func (m *Mock) PutFile(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = data
}

// Calls returns a copy of the recorded calls.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns the recorded calls of one op.
func (m *Mock) CallsFor(op string) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// File returns a stored file.
func (m *Mock) File(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return data, ok
}

// Files returns the number of stored files.
func (m *Mock) Files() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

// record appends c and reports whether the call should fail.
func (m *Mock) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)

	if c.Name != "" && m.failFile[c.Name] && (c.Op == "save_audio" || c.Op == "play_audio") {
		return ErrMockFailure
	}
	switch n := m.fail[c.Op]; {
	case n < 0:
		return ErrMockFailure
	case n > 0:
		m.fail[c.Op] = n - 1
		return ErrMockFailure
	}
	return nil
}

func (m *Mock) SaveAudio(ctx context.Context, name string, data []byte) error {
	if err := m.record(Call{Op: "save_audio", Name: name}); err != nil {
		return err
	}
	m.mu.Lock()
	m.files[name] = append([]byte(nil), data...)
	hook := m.OnSave
	m.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return nil
}

func (m *Mock) DeleteAudio(ctx context.Context, name string) error {
	if err := m.record(Call{Op: "delete_audio", Name: name}); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.files, name)
	m.mu.Unlock()
	return nil
}

func (m *Mock) GetAudio(ctx context.Context, name string) ([]byte, error) {
	if err := m.record(Call{Op: "get_audio", Name: name}); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	if !ok {
		return nil, &DeviceError{Op: "get_audio", StatusCode: 404, Message: "file not found"}
	}
	return data, nil
}

func (m *Mock) PlayAudio(ctx context.Context, name string, volume int) error {
	if err := m.record(Call{Op: "play_audio", Name: name, Volume: volume}); err != nil {
		return err
	}
	m.mu.Lock()
	hook := m.OnPlay
	m.mu.Unlock()
	if hook != nil {
		hook(name)
	}
	return nil
}

func (m *Mock) StopAudio(ctx context.Context) error {
	return m.record(Call{Op: "stop_audio"})
}

func (m *Mock) ChangeLED(ctx context.Context, c Color) error {
	return m.record(Call{Op: "change_led", Color: c})
}

func (m *Mock) Speak(ctx context.Context, text string) error {
	return m.record(Call{Op: "speak", Text: text})
}

func (m *Mock) StartKeyPhraseRecognition(ctx context.Context, opts CaptureOptions) error {
	return m.record(Call{Op: "start_key_phrase_recognition"})
}

func (m *Mock) StopKeyPhraseRecognition(ctx context.Context) error {
	return m.record(Call{Op: "stop_key_phrase_recognition"})
}

func (m *Mock) CaptureSpeech(ctx context.Context, opts CaptureOptions) error {
	return m.record(Call{Op: "capture_speech"})
}

var _ Device = (*Mock)(nil)
