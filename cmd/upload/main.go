// Command iron-upload sends local files through the same upload queue the
// web UI uses and draws a progress bar per file until the queue drains.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/damacus/iron-tree/internal/config"
	"github.com/damacus/iron-tree/internal/logging"
	"github.com/damacus/iron-tree/internal/services"
	"github.com/damacus/iron-tree/internal/uploads"
	"github.com/damacus/iron-tree/internal/utils"
)

type options struct {
	accessKey    string
	secretKey    string
	prefix       string
	subFolder    string
	storageClass string
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	cfg.LogLevel = "warn"
	opts := options{
		accessKey: os.Getenv("IRON_ACCESS_KEY"),
		secretKey: os.Getenv("IRON_SECRET_KEY"),
	}

	cmd := &cobra.Command{
		Use:          "iron-upload [flags] FILE...",
		Short:        "Upload local files to the file service",
		Args:         cobra.MinimumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := cfg.Validate(); err != nil {
				return err
			}
			if opts.accessKey == "" || opts.secretKey == "" {
				return errors.New("--access-key and --secret-key are required")
			}
			log, err := logging.New(cfg.LogLevel, cfg.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			factory := services.NewBackendFactory(cfg, log)
			store, err := factory.NewStore(services.Credentials{
				Endpoint:  factory.Endpoint(),
				AccessKey: opts.accessKey,
				SecretKey: opts.secretKey,
				SessionID: uuid.NewString(),
			})
			if err != nil {
				return err
			}
			if err := store.Verify(ctx); err != nil {
				return fmt.Errorf("login to %s: %w", factory.Endpoint(), err)
			}
			return upload(ctx, store, args, opts, cmd.ErrOrStderr(), log)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Backend, "backend", cfg.Backend, "file backend: minio or api")
	flags.StringVar(&cfg.MinioEndpoint, "minio-endpoint", cfg.MinioEndpoint, "MinIO endpoint (host:port)")
	flags.StringVar(&cfg.Bucket, "bucket", cfg.Bucket, "bucket holding the files")
	flags.StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "base URL of the REST file API")
	flags.IntVar(&cfg.HTTPRetries, "http-retries", cfg.HTTPRetries, "retries for idempotent file API calls")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	flags.StringVar(&opts.accessKey, "access-key", opts.accessKey, "access key (or IRON_ACCESS_KEY)")
	flags.StringVar(&opts.secretKey, "secret-key", opts.secretKey, "secret key (or IRON_SECRET_KEY)")
	flags.StringVar(&opts.prefix, "prefix", "", "folder to upload into")
	flags.StringVar(&opts.subFolder, "sub-folder", "", "sub folder created under --prefix")
	flags.StringVar(&opts.storageClass, "storage-class", string(uploads.StorageStandard), "storage class for the new objects")

	return cmd
}

// upload queues every path on exec and blocks until the queue is idle. It
// fails if any task failed.
func upload(ctx context.Context, exec uploads.Executor, paths []string, opts options, out io.Writer, log zerolog.Logger) error {
	class, err := uploads.ParseStorageClass(opts.storageClass)
	if err != nil {
		return err
	}
	tasks := make([]*uploads.Task, 0, len(paths))
	var total int64
	for _, p := range paths {
		f, err := uploads.NewLocalFile(p)
		if err != nil {
			return err
		}
		total += f.Size()
		tasks = append(tasks, uploads.NewTask(f, uploads.DestinationKey(opts.prefix, opts.subFolder, f.Name()), class))
	}
	fmt.Fprintf(out, "queueing %d files (%s)\n", len(tasks), utils.FormatFileSize(total))

	queue := uploads.NewQueue(exec, uploads.WithLogger(log))
	defer queue.Close()

	var completed atomic.Int64
	queue.OnComplete(func(uploads.CompletedUpload) { completed.Add(1) })

	bars := newProgress(out)
	events, unsubscribe := queue.Subscribe()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			bars.update(ev)
		}
	}()

	if _, err := queue.Enqueue(tasks...); err != nil {
		unsubscribe()
		<-drained
		return err
	}
	waitErr := queue.WaitIdle(ctx)
	unsubscribe()
	<-drained
	if waitErr != nil {
		return waitErr
	}

	failed := 0
	for _, t := range queue.Tasks() {
		if t.Status == uploads.StatusFailed {
			bars.fail(t)
			failed++
		}
	}
	fmt.Fprintf(out, "%d uploaded, %d failed\n", completed.Load(), failed)
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(tasks))
	}
	return nil
}
