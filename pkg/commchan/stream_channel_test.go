package commchan

import (
	"io"
	"testing"
	"time"

	"github.com/sammck-go/commobj/pkg/commobj"
)

func TestStreamChannel(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	c := NewStreamChannel(testLogger(t), inR, outW)

	if _, err := c.Write([]byte("early")); !commobj.IsInvalidState(err) {
		t.Errorf("Write before Open returned %v", err)
	}
	mustOpen(t, c)

	go func() {
		inW.Write([]byte("hello"))
		inW.Close()
	}()
	got, err := io.ReadAll(c)
	if err != nil || string(got) != "hello" {
		t.Errorf("read %q, %v", got, err)
	}

	go func() {
		c.Write([]byte("world"))
		c.CloseWrite()
	}()
	got, err = io.ReadAll(outR)
	if err != nil || string(got) != "world" {
		t.Errorf("output %q, %v", got, err)
	}
	if c.NumBytesRead() != 5 || c.NumBytesWritten() != 5 {
		t.Errorf("counters read %d written %d", c.NumBytesRead(), c.NumBytesWritten())
	}

	if err := c.Close(time.Second); err != nil {
		t.Errorf("Close failed: %s", err)
	}
	if _, err := c.Read(make([]byte, 1)); !commobj.IsInvalidState(err) {
		t.Errorf("Read after Close returned %v", err)
	}
}

func TestStreamChannelAbortUnblocksRead(t *testing.T) {
	inR, _ := io.Pipe()
	_, outW := io.Pipe()
	c := NewStreamChannel(testLogger(t), inR, outW)
	mustOpen(t, c)

	done := make(chan error, 1)
	go func() {
		_, err := c.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.Abort()
	select {
	case err := <-done:
		if err == nil {
			t.Errorf("Read returned no error after Abort")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Read still blocked after Abort")
	}
	if c.State() != commobj.StateClosed {
		t.Errorf("state %s", c.State())
	}
}
