//go:build opus

package main

import (
	"bufio"

	"github.com/Supermagnum/gr-sleipnir/pipeline"
)

func newAudioSourceForTX(r *bufio.Reader) (pipeline.AudioSource, error) {
	return newOpusAudioSource(r)
}

func newAudioSinkForRX(w *bufio.Writer) (pipeline.AudioSink, error) {
	return newOpusAudioSink(w)
}
