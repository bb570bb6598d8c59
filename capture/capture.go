// Package capture implements the video-capture external collaborator
// (§6) against a physical or virtual camera, yielding raw BGR frames
// on its own goroutine. Grounded in the teacher's cvpipe decode loop,
// which reads fixed-size BGR frames off a subprocess pipe the same way
// this reads them off a gocv.VideoCapture.
package capture

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"gocv.io/x/gocv"
)

// Source captures BGR frames from a camera device at its native
// cadence, keeping only the most recent frame under backpressure.
type Source struct {
	cap    *gocv.VideoCapture
	w, h   int
	stop   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	latest  []byte
	seq     atomic.Uint64
}

// Open starts capturing from device (a gocv.VideoCapture device index
// as a string, or a video file/stream URL) at width x height.
func Open(device string, width, height int) (*Source, error) {
	cap, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("capture: open %q: %w", device, err)
	}
	cap.Set(gocv.VideoCaptureFrameWidth, float64(width))
	cap.Set(gocv.VideoCaptureFrameHeight, float64(height))

	s := &Source{
		cap:  cap,
		w:    width,
		h:    height,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Source) run() {
	defer close(s.done)
	mat := gocv.NewMat()
	defer mat.Close()

	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if ok := s.cap.Read(&mat); !ok || mat.Empty() {
			log.Printf("[capture] dropped empty/failed read")
			continue
		}
		buf := append([]byte(nil), mat.ToBytes()...)
		s.mu.Lock()
		s.latest = buf
		s.mu.Unlock()
		s.seq.Add(1)
	}
}

// Frame returns the most recently captured BGR frame (W*H*3 bytes)
// and its monotonically increasing sequence number, or ok=false if no
// frame has been captured yet.
func (s *Source) Frame() (frame []byte, seq uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return nil, 0, false
	}
	return s.latest, s.seq.Load(), true
}

// Close stops the capture goroutine and releases the device.
func (s *Source) Close() error {
	close(s.stop)
	<-s.done
	return s.cap.Close()
}
