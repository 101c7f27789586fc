//go:build !opus

package main

import (
	"bufio"

	"github.com/Supermagnum/gr-sleipnir/pipeline"
)

func newAudioSourceForTX(r *bufio.Reader) (pipeline.AudioSource, error) {
	return stdioAudioSource{r: r}, nil
}

func newAudioSinkForRX(w *bufio.Writer) (pipeline.AudioSink, error) {
	return stdioAudioSink{w: w}, nil
}
