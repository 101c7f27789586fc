// Command sleipnir runs a single narrowband-digital-voice station: one
// Assembler/Parser pair wired to a MessageBus, driven by pipeline.Runner,
// reading its session/channel/bus settings from a YAML file per
// config.Load. Flag parsing follows the teacher's main.go (-config,
// -debug) but switches to spf13/pflag, already present elsewhere in this
// module's dependency stack, instead of the teacher's stdlib flag.
package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/Supermagnum/gr-sleipnir/bus"
	"github.com/Supermagnum/gr-sleipnir/config"
	cryptopkg "github.com/Supermagnum/gr-sleipnir/crypto"
	"github.com/Supermagnum/gr-sleipnir/ldpc"
	"github.com/Supermagnum/gr-sleipnir/pipeline"
	"github.com/Supermagnum/gr-sleipnir/router"
	"github.com/Supermagnum/gr-sleipnir/status"
	"github.com/Supermagnum/gr-sleipnir/superframe"
)

func main() {
	configPath := pflag.String("config", "config.yaml", "Path to the session configuration file")
	txMode := pflag.Bool("tx", false, "Run the transmit side: audio_in from stdin, codewords to stdout")
	rxMode := pflag.Bool("rx", false, "Run the receive side: codewords from stdin, audio_out to stdout")
	multicastAudio := pflag.String("multicast-audio", "", "Carry audio_in/audio_out over this multicast group (host:port) instead of stdin/stdout")
	debug := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "sleipnir",
		Level:           level,
	})

	if !*txMode && !*rxMode {
		logger.Fatal("at least one of -tx or -rx is required")
	}

	if err := run(logger, *configPath, *txMode, *rxMode, *multicastAudio); err != nil {
		logger.Fatal("sleipnir exited", "err", err)
	}
}

func run(logger *log.Logger, configPath string, txMode, rxMode bool, multicastAudio string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	matrices, err := loadMatrices(cfg.LDPC)
	if err != nil {
		return fmt.Errorf("load ldpc matrices: %w", err)
	}

	callsign := config.CallsignBytes(cfg.Session.Callsign)
	nonces := cryptopkg.NewNonceRegistry()
	aead := cryptopkg.AEAD{}

	b := bus.NewWithDepths(bus.Depths{
		AudioIn:   cfg.Bus.AudioInDepth,
		TextIn:    cfg.Bus.TextInDepth,
		APRSIn:    cfg.Bus.APRSInDepth,
		AudioOut:  cfg.Bus.AudioOutDepth,
		TextOut:   cfg.Bus.TextOutDepth,
		APRSOut:   cfg.Bus.APRSOutDepth,
		StatusOut: cfg.Bus.StatusOutDepth,
	})

	asm := superframe.NewAssembler(callsign, cfg.Sync.Interval, matrices, aead, nonces, b)
	parser := superframe.NewParser(callsign, matrices, aead, cfg.LDPC.MaxIters, b)

	if err := applyCryptoConfig(cfg.Crypto, cfg.Session, asm, parser); err != nil {
		return fmt.Errorf("apply crypto config: %w", err)
	}

	direction := "tx"
	if rxMode && !txMode {
		direction = "rx"
	}
	level := log.InfoLevel
	if lvl, err := log.ParseLevel(cfg.Logging.Level); err == nil {
		level = lvl
	}
	metrics := status.NewMetrics(prometheus.DefaultRegisterer)
	sink := status.NewSink(direction, metrics, level)

	runner := pipeline.NewRunner(b, asm, parser, sink)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdin := bufio.NewReader(os.Stdin)
	stdout := bufio.NewWriter(os.Stdout)
	defer stdout.Flush()

	mode := pipeline.Mode(0)
	var codewordSink pipeline.CodewordSink
	var codewordSource pipeline.CodewordSource
	var audioIn pipeline.AudioSource
	var audioOut pipeline.AudioSink

	var mcast *multicastAudioEndpoint
	if multicastAudio != "" {
		mcast, err = newMulticastAudioEndpoint(multicastAudio)
		if err != nil {
			return fmt.Errorf("multicast audio: %w", err)
		}
		defer mcast.Close()
	}

	if txMode {
		mode |= pipeline.ModeTX
		codewordSink = stdioCodewordSink{w: stdout}
		if mcast != nil {
			audioIn = mcast
		} else {
			audioIn, err = newAudioSourceForTX(stdin)
			if err != nil {
				return fmt.Errorf("audio source: %w", err)
			}
		}
	}
	if rxMode {
		mode |= pipeline.ModeRX
		codewordSource = stdioCodewordSource{r: stdin}
		if mcast != nil {
			audioOut = mcast
		} else {
			audioOut, err = newAudioSinkForRX(stdout)
			if err != nil {
				return fmt.Errorf("audio sink: %w", err)
			}
		}
	}

	logger.Info("sleipnir starting", "callsign", cfg.Session.Callsign, "tx", txMode, "rx", rxMode)
	err = runner.Run(ctx, mode, codewordSink, codewordSource, audioIn, audioOut)
	logger.Info("sleipnir shutting down")
	return err
}

func loadMatrices(c config.LDPCConfig) (router.Matrices, error) {
	auth, err := ldpc.LoadAListFile(c.AuthMatrixPath)
	if err != nil {
		return router.Matrices{}, fmt.Errorf("auth matrix: %w", err)
	}
	voice, err := ldpc.LoadAListFile(c.VoiceMatrixPath)
	if err != nil {
		return router.Matrices{}, fmt.Errorf("voice matrix: %w", err)
	}
	return router.Matrices{Auth: auth, Voice: voice}, nil
}

// applyCryptoConfig installs whatever key material and policy bits the
// config file carries, mirroring the control-directive shape RunDirectives
// applies at runtime — config.yaml is just the initial directive a station
// would otherwise have to send itself over ctrl at startup.
func applyCryptoConfig(c config.CryptoConfig, s config.SessionConfig, asm *superframe.Assembler, parser *superframe.Parser) error {
	signingOn := c.EnableSigning
	encryptionOn := c.EnableEncryption
	requireSigs := c.RequireSignatures
	directive := bus.Directive{
		EnableSigning:     &signingOn,
		EnableEncryption:  &encryptionOn,
		RequireSignatures: &requireSigs,
	}

	if c.MacKeyHex != "" {
		key, err := decodeHexKey32(c.MacKeyHex)
		if err != nil {
			return fmt.Errorf("mac_key_hex: %w", err)
		}
		directive.MacKey = &key
	}
	if c.NonceBaseHex != "" {
		raw, err := hex.DecodeString(c.NonceBaseHex)
		if err != nil || len(raw) != 12 {
			return fmt.Errorf("nonce_base_hex: must be 24 hex characters")
		}
		var base [12]byte
		copy(base[:], raw)
		directive.NonceBase = &base
	}

	asm.ApplyDirective(directive)
	parser.ApplyDirective(directive)

	if s.PrivateKeyPEM != "" {
		data, err := os.ReadFile(s.PrivateKeyPEM)
		if err != nil {
			return fmt.Errorf("private_key_pem: %w", err)
		}
		priv, err := cryptopkg.LoadPrivateKeyPEM(data)
		if err != nil {
			return fmt.Errorf("private_key_pem: %w", err)
		}
		asm.SetPrivateKey(priv)
	}

	if s.PublicKeyDir != "" {
		if err := loadPublicKeyDirectory(s.PublicKeyDir, parser); err != nil {
			return fmt.Errorf("public_key_dir: %w", err)
		}
	}

	return nil
}

// loadPublicKeyDirectory populates parser's peer-key directory from every
// CALLSIGN.pem file in dir, one entry per file, keyed by the callsign in
// its name (upper-cased, space-padded to 5 bytes). A file whose contents
// do not parse as a public key is skipped without an error. This mirrors
// sleipnir_superframe_parser.py's load_public_key, which resolves
// {public_key_store_path}/{callsign.upper()}.pem lazily per lookup; this
// loader resolves every file once at startup instead, since the parser
// holds the whole directory rather than fetching on demand.
func loadPublicKeyDirectory(dir string, parser *superframe.Parser) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".pem" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return err
		}
		pub, err := cryptopkg.LoadPublicKeyPEM(data)
		if err != nil {
			continue
		}
		parser.AddPublicKey(callsignFromFilename(e.Name()), pub)
	}
	return nil
}

// callsignFromFilename derives the 5-byte space-padded callsign a
// CALLSIGN.pem file is named for.
func callsignFromFilename(name string) [5]byte {
	base := strings.ToUpper(strings.TrimSuffix(name, filepath.Ext(name)))
	var out [5]byte
	for i := range out {
		out[i] = ' '
	}
	copy(out[:], base)
	return out
}

func decodeHexKey32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return out, fmt.Errorf("must be 64 hex characters")
	}
	copy(out[:], raw)
	return out, nil
}
