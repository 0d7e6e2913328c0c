package i2cbus_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/i2cbus"
	"github.com/mklimuk/i2cbus/arbiter"
	"github.com/mklimuk/i2cbus/i2c"
)

// MockTransport is a testify mock of i2cbus.Transport that also records how
// many transfers run at the same time.
type MockTransport struct {
	mock.Mock
	concurrentOps int64
	maxConcurrent int64
}

func (m *MockTransport) track() func() {
	n := atomic.AddInt64(&m.concurrentOps, 1)
	for {
		cur := atomic.LoadInt64(&m.maxConcurrent)
		if n <= cur || atomic.CompareAndSwapInt64(&m.maxConcurrent, cur, n) {
			break
		}
	}
	return func() { atomic.AddInt64(&m.concurrentOps, -1) }
}

func (m *MockTransport) WriteByteData(ctx context.Context, address, register, value byte) error {
	defer m.track()()
	args := m.Called(ctx, address, register, value)
	return args.Error(0)
}

func (m *MockTransport) WriteWordData(ctx context.Context, address, register byte, value uint16) error {
	defer m.track()()
	args := m.Called(ctx, address, register, value)
	return args.Error(0)
}

func (m *MockTransport) WriteBlockData(ctx context.Context, address, register byte, data []byte) error {
	defer m.track()()
	args := m.Called(ctx, address, register, data)
	return args.Error(0)
}

func (m *MockTransport) ReadByteData(ctx context.Context, address, register byte) (byte, error) {
	defer m.track()()
	args := m.Called(ctx, address, register)
	return args.Get(0).(byte), args.Error(1)
}

func (m *MockTransport) ReadWordData(ctx context.Context, address, register byte) (uint16, error) {
	defer m.track()()
	args := m.Called(ctx, address, register)
	return args.Get(0).(uint16), args.Error(1)
}

func (m *MockTransport) ReadBlockData(ctx context.Context, address, register byte, length int) ([]byte, error) {
	defer m.track()()
	args := m.Called(ctx, address, register, length)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

func (m *MockTransport) ReceiveByte(ctx context.Context, address byte) (byte, error) {
	defer m.track()()
	args := m.Called(ctx, address)
	return args.Get(0).(byte), args.Error(1)
}

var errNack = errors.New("remote i/o error")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClient(tr i2cbus.Transport) (*i2cbus.Client, *arbiter.Arbiter) {
	arb := arbiter.New(2, arbiter.WithPollInterval(time.Millisecond), arbiter.WithLogger(quietLogger()))
	provider := i2cbus.ProviderFunc(func(ctx context.Context, bus int) (i2cbus.Transport, error) {
		return tr, nil
	})
	return i2cbus.NewClient(provider, i2cbus.WithArbiter(arb), i2cbus.WithLogger(quietLogger())), arb
}

func TestSentinel_ReadSignedByte(t *testing.T) {
	tests := []struct {
		raw      byte
		expected int
	}{
		{200, -56},
		{100, 100},
		{127, 127},
		{128, -128},
		{255, -1},
		{0, 0},
	}
	for _, test := range tests {
		t.Run(fmt.Sprintf("raw %d", test.raw), func(t *testing.T) {
			tr := new(MockTransport)
			tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x00)).Return(test.raw, nil).Once()
			c, _ := newClient(tr)
			assert.Equal(t, test.expected, c.Sentinel().ReadSignedByte(context.Background(), 0, 0x48, 0x00))
			tr.AssertExpectations(t)
		})
	}
}

func TestSentinel_ReadValues(t *testing.T) {
	ctx := context.Background()
	tr := new(MockTransport)
	tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x01)).Return(byte(200), nil)
	tr.On("ReadWordData", mock.Anything, byte(0x48), byte(0x02)).Return(uint16(0xFFFE), nil)
	tr.On("ReadBlockData", mock.Anything, byte(0x48), byte(0x03), 3).Return([]byte{1, 2, 3}, nil)
	tr.On("ReceiveByte", mock.Anything, byte(0x48)).Return(byte(0x80), nil)
	c, _ := newClient(tr)
	s := c.Sentinel()

	assert.Equal(t, 200, s.ReadUnsignedByte(ctx, 0, 0x48, 0x01))
	assert.Equal(t, 0xFFFE, s.ReadUnsignedWord(ctx, 0, 0x48, 0x02))
	// no sign conversion on words
	assert.Equal(t, 0xFFFE, s.ReadSignedWord(ctx, 0, 0x48, 0x02))
	assert.Equal(t, []byte{1, 2, 3}, s.ReadBlockData(ctx, 0, 0x48, 0x03, 3))
	assert.Equal(t, 0x80, s.ReceiveByte(ctx, 0, 0x48))
	tr.AssertExpectations(t)
}

func TestSentinel_Writes(t *testing.T) {
	ctx := context.Background()
	tr := new(MockTransport)
	tr.On("WriteByteData", mock.Anything, byte(0x48), byte(0x01), byte(0xFF)).Return(nil).Once()
	tr.On("WriteWordData", mock.Anything, byte(0x48), byte(0x02), uint16(0x1234)).Return(nil).Once()
	tr.On("WriteBlockData", mock.Anything, byte(0x48), byte(0x03), []byte{9, 8}).Return(nil).Once()
	c, _ := newClient(tr)
	s := c.Sentinel()

	assert.Equal(t, 0, s.WriteByteData(ctx, 0, 0x48, 0x01, 0xFF))
	assert.Equal(t, 0, s.WriteWordData(ctx, 0, 0x48, 0x02, 0x1234))
	assert.Equal(t, 0, s.WriteBlockData(ctx, 0, 0x48, 0x03, []byte{9, 8}))
	tr.AssertExpectations(t)
}

func TestSentinel_FaultsReleaseBus(t *testing.T) {
	tests := []struct {
		name  string
		setup func(tr *MockTransport)
		call  func(s i2cbus.Sentinel) bool
	}{
		{
			name: "write byte",
			setup: func(tr *MockTransport) {
				tr.On("WriteByteData", mock.Anything, byte(0x48), byte(0x01), byte(0xFF)).Return(errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.WriteByteData(context.Background(), 0, 0x48, 0x01, 0xFF) == i2cbus.Failed
			},
		},
		{
			name: "write word",
			setup: func(tr *MockTransport) {
				tr.On("WriteWordData", mock.Anything, byte(0x48), byte(0x01), uint16(1)).Return(errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.WriteWordData(context.Background(), 0, 0x48, 0x01, 1) == i2cbus.Failed
			},
		},
		{
			name: "write block",
			setup: func(tr *MockTransport) {
				tr.On("WriteBlockData", mock.Anything, byte(0x48), byte(0x01), mock.Anything).Return(errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.WriteBlockData(context.Background(), 0, 0x48, 0x01, []byte{1}) == i2cbus.Failed
			},
		},
		{
			name: "read unsigned byte",
			setup: func(tr *MockTransport) {
				tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x01)).Return(byte(0), errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.ReadUnsignedByte(context.Background(), 0, 0x48, 0x01) == i2cbus.Failed
			},
		},
		{
			name: "read signed byte",
			setup: func(tr *MockTransport) {
				tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x01)).Return(byte(0), errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.ReadSignedByte(context.Background(), 0, 0x48, 0x01) == i2cbus.Failed
			},
		},
		{
			name: "read unsigned word",
			setup: func(tr *MockTransport) {
				tr.On("ReadWordData", mock.Anything, byte(0x48), byte(0x01)).Return(uint16(0), errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.ReadUnsignedWord(context.Background(), 0, 0x48, 0x01) == i2cbus.Failed
			},
		},
		{
			name: "read signed word",
			setup: func(tr *MockTransport) {
				tr.On("ReadWordData", mock.Anything, byte(0x48), byte(0x01)).Return(uint16(0), errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.ReadSignedWord(context.Background(), 0, 0x48, 0x01) == i2cbus.Failed
			},
		},
		{
			name: "read block",
			setup: func(tr *MockTransport) {
				tr.On("ReadBlockData", mock.Anything, byte(0x48), byte(0x01), 4).Return(nil, errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.ReadBlockData(context.Background(), 0, 0x48, 0x01, 4) == nil
			},
		},
		{
			name: "receive byte",
			setup: func(tr *MockTransport) {
				tr.On("ReceiveByte", mock.Anything, byte(0x48)).Return(byte(0), errNack).Once()
			},
			call: func(s i2cbus.Sentinel) bool {
				return s.ReceiveByte(context.Background(), 0, 0x48) == i2cbus.Failed
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := new(MockTransport)
			tt.setup(tr)
			c, arb := newClient(tr)

			assert.True(t, tt.call(c.Sentinel()), "failure should be reported as the sentinel")
			assert.False(t, arb.Held(0), "bus must be released after a fault")

			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			other, err := c.Capture(ctx, 0)
			require.NoError(t, err, "another owner must capture the bus right after the fault")
			c.Release(other, 0)
			tr.AssertExpectations(t)
		})
	}
}

func TestClient_TransportFault(t *testing.T) {
	tr := new(MockTransport)
	tr.On("WriteByteData", mock.Anything, byte(0x48), byte(0x01), byte(0xFF)).Return(errNack).Once()
	tr.On("ReceiveByte", mock.Anything, byte(0x48)).Return(byte(0), errNack).Once()
	c, _ := newClient(tr)

	err := c.WriteByteData(context.Background(), 0, 0x48, 0x01, 0xFF)
	require.Error(t, err)
	assert.ErrorIs(t, err, i2cbus.ErrTransportFault)
	assert.ErrorIs(t, err, errNack)
	var fault *i2cbus.TransportFault
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, "write byte", fault.Op)
	assert.Equal(t, 0, fault.Bus)
	assert.Equal(t, byte(0x48), fault.Address)
	assert.Equal(t, 1, fault.Register)
	assert.EqualError(t, err, "i2cbus: write byte on bus 0 addr 0x48 reg 0x01: remote i/o error")

	_, err = c.ReceiveByte(context.Background(), 0, 0x48)
	assert.EqualError(t, err, "i2cbus: receive byte on bus 0 addr 0x48: remote i/o error")
	tr.AssertExpectations(t)
}

func TestClient_TransportPanic(t *testing.T) {
	tr := new(MockTransport)
	tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x00)).
		Run(func(args mock.Arguments) { panic("driver bug") }).
		Return(byte(0), nil).Once()
	c, arb := newClient(tr)

	var v int
	assert.NotPanics(t, func() {
		v = c.Sentinel().ReadUnsignedByte(context.Background(), 1, 0x48, 0x00)
	})
	assert.Equal(t, i2cbus.Failed, v)
	assert.False(t, arb.Held(1))
}

func TestClient_OpenFailure(t *testing.T) {
	arb := arbiter.New(1, arbiter.WithLogger(quietLogger()))
	provider := i2cbus.ProviderFunc(func(ctx context.Context, bus int) (i2cbus.Transport, error) {
		return nil, errors.New("no such file or directory")
	})
	c := i2cbus.NewClient(provider, i2cbus.WithArbiter(arb), i2cbus.WithLogger(quietLogger()))

	_, err := c.ReadUnsignedWord(context.Background(), 0, 0x40, 0x00)
	assert.ErrorIs(t, err, i2cbus.ErrTransportFault)
	assert.Contains(t, err.Error(), "could not open bus 0")
	assert.False(t, arb.Held(0))
}

func TestClient_InvalidBus(t *testing.T) {
	tr := new(MockTransport)
	c, _ := newClient(tr)

	_, err := c.ReadUnsignedByte(context.Background(), 5, 0x48, 0x00)
	assert.ErrorIs(t, err, arbiter.ErrInvalidBus)
	assert.Equal(t, i2cbus.Failed, c.Sentinel().WriteByteData(context.Background(), 5, 0x48, 0x00, 0x01))
	tr.AssertNotCalled(t, "ReadByteData", mock.Anything, mock.Anything, mock.Anything)
}

func TestClient_CaptureCancelled(t *testing.T) {
	tr := new(MockTransport)
	c, _ := newClient(tr)
	held, err := c.Capture(context.Background(), 0)
	require.NoError(t, err)
	defer c.Release(held, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.ReadUnsignedByte(ctx, 0, 0x48, 0x00)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, i2cbus.ErrTransportFault)
	tr.AssertNotCalled(t, "ReadByteData", mock.Anything, mock.Anything, mock.Anything)
}

func TestClient_MutualExclusion(t *testing.T) {
	tr := new(MockTransport)
	tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x00)).
		Run(func(args mock.Arguments) { time.Sleep(200 * time.Microsecond) }).
		Return(byte(1), nil)
	tr.On("WriteByteData", mock.Anything, byte(0x48), byte(0x00), byte(1)).
		Run(func(args mock.Arguments) { time.Sleep(200 * time.Microsecond) }).
		Return(nil)
	c, _ := newClient(tr)

	const workers = 10
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if i%2 == 0 {
					assert.NoError(t, c.WriteByteData(context.Background(), 1, 0x48, 0x00, 1))
				} else {
					_, err := c.ReadUnsignedByte(context.Background(), 1, 0x48, 0x00)
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&tr.maxConcurrent), "transfers on one bus must never overlap")
}

func TestClient_BusesIndependent(t *testing.T) {
	tr := new(MockTransport)
	tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x00)).Return(byte(7), nil).Once()
	c, _ := newClient(tr)

	held, err := c.Capture(context.Background(), 0)
	require.NoError(t, err)
	defer c.Release(held, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	v, err := c.ReadUnsignedByte(ctx, 1, 0x48, 0x00)
	require.NoError(t, err, "bus 1 must not wait for bus 0")
	assert.Equal(t, 7, v)
	tr.AssertExpectations(t)
}

func TestClient_ReleaseWithoutCapture(t *testing.T) {
	tr := new(MockTransport)
	tr.On("ReadByteData", mock.Anything, byte(0x48), byte(0x00)).Return(byte(3), nil).Once()
	c, arb := newClient(tr)

	assert.NotPanics(t, func() { c.Release(context.Background(), 0) })
	assert.False(t, arb.Held(0))
	v, err := c.ReadUnsignedByte(context.Background(), 0, 0x48, 0x00)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func memoryClient(m *i2c.Memory) (*i2cbus.Client, *arbiter.Arbiter) {
	table := i2c.NewTable()
	table.Set(0, m)
	table.Set(1, m)
	arb := arbiter.New(2, arbiter.WithPollInterval(time.Millisecond), arbiter.WithLogger(quietLogger()))
	return i2cbus.NewClient(table, i2cbus.WithArbiter(arb), i2cbus.WithLogger(quietLogger())), arb
}

// assertSerialised checks that the transfer log never has two transfers
// open at the same time.
func assertSerialised(t *testing.T, events []i2c.Event) {
	t.Helper()
	require.Equal(t, 0, len(events)%2)
	for i := 0; i < len(events); i += 2 {
		assert.Equal(t, i2c.Begin, events[i].Phase, "event %d", i)
		assert.Equal(t, i2c.End, events[i+1].Phase, "event %d", i+1)
		assert.Equal(t, events[i].Op, events[i+1].Op, "event %d", i)
	}
}

func TestClient_HeldAcrossCalls(t *testing.T) {
	m := i2c.NewMemory(i2c.WithLatency(2 * time.Millisecond))
	m.AddDevice(0x48, map[byte]byte{0x00: 0x11})
	c, arb := memoryClient(m)

	ctx, err := c.Capture(context.Background(), 1)
	require.NoError(t, err)

	intruder := make(chan error, 1)
	go func() {
		intruder <- c.WriteByteData(context.Background(), 1, 0x48, 0x00, 0x99)
	}()

	require.NoError(t, c.WriteByteData(ctx, 1, 0x48, 0x01, 0x84, i2cbus.NoLock()))
	time.Sleep(5 * time.Millisecond)
	v, err := c.ReadUnsignedByte(ctx, 1, 0x48, 0x00, i2cbus.NoLock())
	require.NoError(t, err)
	assert.Equal(t, 0x11, v, "no other owner may write between the held calls")
	// a default-locking call by the holder re-enters the lock
	_, err = c.ReadUnsignedByte(ctx, 1, 0x48, 0x01)
	require.NoError(t, err)
	assert.True(t, arb.Held(1))

	c.Release(ctx, 1)
	select {
	case err := <-intruder:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiting writer never got the bus")
	}

	events := m.Events()
	require.Len(t, events, 8)
	assert.Equal(t, []string{"write byte", "read byte", "read byte", "write byte"},
		[]string{events[0].Op, events[2].Op, events[4].Op, events[6].Op})
	assertSerialised(t, events)
}

func TestClient_Hold(t *testing.T) {
	m := i2c.NewMemory()
	m.AddDevice(0x48, nil)
	c, arb := memoryClient(m)

	err := c.Hold(context.Background(), 0, func(ctx context.Context) error {
		if err := c.WriteWordData(ctx, 0, 0x48, 0x10, 0x0102, i2cbus.NoLock()); err != nil {
			return err
		}
		v, err := c.ReadUnsignedWord(ctx, 0, 0x48, 0x10, i2cbus.NoLock())
		if err != nil {
			return err
		}
		assert.Equal(t, 0x0102, v)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, arb.Held(0))
}

func TestClient_Idempotent(t *testing.T) {
	m := i2c.NewMemory()
	m.AddDevice(0x48, map[byte]byte{0x05: 0xA5})
	c, _ := memoryClient(m)

	first, err := c.ReadUnsignedByte(context.Background(), 0, 0x48, 0x05)
	require.NoError(t, err)
	second, err := c.ReadUnsignedByte(context.Background(), 0, 0x48, 0x05)
	require.NoError(t, err)
	assert.Equal(t, 0xA5, first)
	assert.Equal(t, first, second)
}

func TestClient_ConcurrentWriteAndRead(t *testing.T) {
	m := i2c.NewMemory(i2c.WithLatency(3 * time.Millisecond))
	m.AddDevice(0x48, nil)
	c, _ := memoryClient(m)
	s := c.Sentinel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.Equal(t, 0, s.WriteByteData(context.Background(), 1, 0x48, 0x02, 0x7E))
	}()
	go func() {
		defer wg.Done()
		v := s.ReadUnsignedByte(context.Background(), 1, 0x48, 0x02)
		assert.Contains(t, []int{0x00, 0x7E}, v)
	}()
	wg.Wait()

	assert.Equal(t, int64(1), m.MaxConcurrent())
	events := m.Events()
	require.Len(t, events, 4)
	assertSerialised(t, events)
}

func TestClient_NoDevice(t *testing.T) {
	m := i2c.NewMemory()
	c, arb := memoryClient(m)

	assert.Equal(t, i2cbus.Failed, c.Sentinel().WriteByteData(context.Background(), 0, 0x48, 0x01, 0xFF))
	assert.False(t, arb.Held(0))
	_, err := c.ReadBlockData(context.Background(), 0, 0x48, 0x00, 2)
	assert.ErrorIs(t, err, i2c.ErrNoDevice)
}

func TestClient_FaultKeepsOuterCapture(t *testing.T) {
	tests := []struct {
		name  string
		setup func(call *mock.Call)
	}{
		{"error", func(call *mock.Call) { call.Return(errNack) }},
		{"panic", func(call *mock.Call) {
			call.Run(func(args mock.Arguments) { panic("driver bug") }).Return(nil)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := new(MockTransport)
			tt.setup(tr.On("WriteByteData", mock.Anything, byte(0x48), byte(0x01), byte(0x01)).Once())
			c, arb := newClient(tr)

			ctx, err := c.Capture(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, i2cbus.Failed, c.Sentinel().WriteByteData(ctx, 0, 0x48, 0x01, 0x01))

			assert.True(t, arb.Held(0), "the fault must not drop the caller's own capture")
			st, err := arb.Stats(0)
			require.NoError(t, err)
			assert.Equal(t, 1, st.Depth)
			assert.Equal(t, uint64(1), st.Releases, "only the nested level is released")
			assert.Zero(t, st.IgnoredReleases)

			other, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			_, err = c.Capture(other, 0)
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			c.Release(ctx, 0)
			assert.False(t, arb.Held(0))
			tr.AssertExpectations(t)
		})
	}
}
