package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/bootstrap"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/router"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/validation"
)

// frameFlags are the metadata flags of put
type frameFlags struct {
	md       validation.Metadata
	file     string
	push     bool
	deadline time.Duration
}

func (f *frameFlags) register(fs *pflag.FlagSet) {
	fs.IntVar(&f.md.Width, "width", 0, "frame width in pixels")
	fs.IntVar(&f.md.Height, "height", 0, "frame height in pixels")
	fs.StringVar(&f.md.ContentType, "content-type", "application/octet-stream", "frame content type")
	fs.Uint64Var(&f.md.Sequence, "sequence", 0, "frame sequence number within the source")
	fs.StringVarP(&f.file, "file", "f", "-", "frame payload file, - for stdin")
	fs.BoolVar(&f.push, "push", false, "append to the list at key instead of setting it")
	fs.DurationVar(&f.deadline, "timeout", 10*time.Second, "overall deadline")
}

var putFlags frameFlags

var putCmd = &cobra.Command{
	Use:   "put SOURCE [KEY]",
	Short: "Write one frame",
	Long: `Writes one frame of SOURCE under KEY. Without KEY a random frame id is
used and printed. The payload is read from --file.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPut,
}

var getTimeout time.Duration

var getCmd = &cobra.Command{
	Use:   "get SOURCE KEY",
	Short: "Read one frame to stdout",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

func init() {
	putFlags.register(putCmd.Flags())
	getCmd.Flags().DurationVar(&getTimeout, "timeout", 10*time.Second, "overall deadline")
}

// oneShotRouter builds a router for a single source that does not follow
// membership updates
func oneShotRouter(ctx context.Context, sourceID string) (*bootstrap.Bootstrap, *router.Router, error) {
	b := bootstrap.New()
	b.NewBus = func(*eventbus.Config, *zap.Logger) (eventbus.Bus, error) { return nil, nil }
	if err := b.Initialize(ctx, configFile); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize: %w", err)
	}
	r, err := b.BuildRouter(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build router: %w", err)
	}
	if err := r.Register(ctx, sourceID); err != nil {
		_ = b.Stop(context.Background())
		return nil, nil, err
	}
	return b, r, nil
}

func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func runPut(cmd *cobra.Command, args []string) error {
	sourceID := args[0]
	key := uuid.NewString()
	if len(args) == 2 {
		key = args[1]
	}

	payload, err := readPayload(putFlags.file, cmd.InOrStdin())
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	md := putFlags.md
	md.Timestamp = time.Now()

	ctx, cancel := context.WithTimeout(cmd.Context(), putFlags.deadline)
	defer cancel()

	b, r, err := oneShotRouter(ctx, sourceID)
	if err != nil {
		return err
	}
	defer b.Stop(context.Background())

	if putFlags.push {
		err = r.Push(ctx, sourceID, key, md, payload)
	} else {
		err = r.Put(ctx, sourceID, key, md, payload)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	sourceID, key := args[0], args[1]

	ctx, cancel := context.WithTimeout(cmd.Context(), getTimeout)
	defer cancel()

	b, r, err := oneShotRouter(ctx, sourceID)
	if err != nil {
		return err
	}
	defer b.Stop(context.Background())

	value, err := r.Get(ctx, sourceID, key)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(value)
	return err
}
