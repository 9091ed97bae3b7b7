package usecase

import (
	"errors"
	"fmt"
	"io"

	"rehabchat/internal/ports"
)

// pumpAudioChunks forwards microphone audio to the recognizer until the
// recording ends. A clean end of recording returns nil.
func pumpAudioChunks(audio io.Reader, stream ports.StreamingSession, chunkSize int) error {
	if chunkSize < 256 {
		chunkSize = 4096
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := audio.Read(buf)
		if n > 0 {
			if sendErr := stream.SendAudio(buf[:n]); sendErr != nil {
				return fmt.Errorf("failed to stream audio: %w", sendErr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("audio capture error: %w", err)
		}
	}
}
