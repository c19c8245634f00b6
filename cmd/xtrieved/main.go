// Command xtrieved is the Xtrieve engine's server daemon: it loads
// configuration (internal/config), opens data files on demand as client
// requests arrive, and serves spec.md's binary wire protocol over TCP.
//
// Grounded on _examples/cuemby-warren/cmd/warren/main.go's cobra root
// command with a single OnInitialize hook wiring flags to a config
// struct, and on the teacher's own multi-subcommand cmd/ layout.
package main

import (
	"encoding/binary"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xtrieve/xtrieve/internal/config"
	"github.com/xtrieve/xtrieve/internal/dispatch"
	"github.com/xtrieve/xtrieve/internal/pagestore"
	"github.com/xtrieve/xtrieve/internal/server"
	"github.com/xtrieve/xtrieve/internal/wire"
	"github.com/xtrieve/xtrieve/internal/xlog"
	"github.com/xtrieve/xtrieve/internal/xmetrics"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "xtrieved",
		Short:   "Xtrieve ISAM engine server",
		Version: version,
	}
	root.SetVersionTemplate(fmt.Sprintf("xtrieved %s (%s)\n", version, commit))
	config.RegisterFlags(root)

	root.AddCommand(serveCmd(), createCmd(), statCmd())
	return root
}

func loadConfig(cmd *cobra.Command) config.Config {
	cfg, err := config.FromFlags(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Xtrieve server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig(cmd)
			xlog.InitGlobal(xlog.Config{Level: cfg.LogLevel, Pretty: !cfg.LogJSON})
			log := xlog.Global()

			if cfg.DataDir != "" && cfg.DataDir != "." {
				if err := os.Chdir(cfg.DataDir); err != nil {
					return fmt.Errorf("xtrieved: data-dir %s: %w", cfg.DataDir, err)
				}
			}

			metrics := xmetrics.New()
			d := dispatch.New().WithMetrics(metrics).WithPageCacheSize(cfg.PageCacheSize)
			srv := server.New(d, log)

			janitor := server.NewJanitor(d, log)
			if err := janitor.Start(); err != nil {
				return fmt.Errorf("xtrieved: starting janitor: %w", err)
			}
			defer janitor.Stop()

			go serveMetricsHTTP(cfg.MetricsAddr, log)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe(cfg.ListenAddr) }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case <-sigCh:
				return srv.Close()
			}
		},
	}
}

func serveMetricsHTTP(addr string, log *xlog.Logger) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics endpoint stopped")
	}
}

func createCmd() *cobra.Command {
	var recordLength, pageSize int
	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new, empty Xtrieve data file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps := pageSize
			if ps == 0 {
				ps = pagestore.DefaultPageSize
			}
			spec := wire.FileCreationSpec{
				RecordLength: uint16(recordLength),
				PageSize:     uint16(ps),
			}
			d := dispatch.New()
			resp := d.Handle(dispatch.NewSession(), wire.Request{
				Operation:  wire.OpCreate,
				FilePath:   args[0],
				DataBuffer: wire.EncodeFileCreationSpec(spec),
			})
			if resp.Status != wire.StatusSuccess {
				return fmt.Errorf("xtrieved: create failed: status %d", resp.Status)
			}
			fmt.Printf("created %s (record_length=%d page_size=%d)\n", args[0], recordLength, ps)
			return nil
		},
	}
	cmd.Flags().IntVar(&recordLength, "record-length", 128, "maximum record length in bytes")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size in bytes (default engine page size)")
	return cmd
}

func statCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Print a data file's record count and layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := dispatch.New()
			s := dispatch.NewSession()
			openResp := d.Handle(s, wire.Request{Operation: wire.OpOpen, FilePath: args[0], KeyNumber: -1})
			if openResp.Status != wire.StatusSuccess {
				return fmt.Errorf("xtrieved: open failed: status %d", openResp.Status)
			}
			statResp := d.Handle(s, wire.Request{Operation: wire.OpStat, PositionBlock: openResp.PositionBlock})
			d.Handle(s, wire.Request{Operation: wire.OpClose, PositionBlock: openResp.PositionBlock})
			if statResp.Status != wire.StatusSuccess {
				return fmt.Errorf("xtrieved: stat failed: status %d", statResp.Status)
			}
			buf := statResp.DataBuffer
			if len(buf) < 20 {
				return fmt.Errorf("xtrieved: short stat response")
			}
			recordCount := binary.LittleEndian.Uint64(buf[0:8])
			recordLength := binary.LittleEndian.Uint32(buf[8:12])
			pageSize := binary.LittleEndian.Uint32(buf[12:16])
			fmt.Printf("%s: records=%d record_length=%d page_size=%d\n", args[0], recordCount, recordLength, pageSize)
			return nil
		},
	}
}
