package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"proxypool_nexus/internal/app"
	"proxypool_nexus/internal/shared/config"
	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/internal/shared/types"
	"proxypool_nexus/proxypool"
	"proxypool_nexus/proxypool/model"
	"proxypool_nexus/proxypool/scraper"
	"proxypool_nexus/proxypool/storage"
)

var (
	configDir string
	cfg       = new(types.Config)
)

var rootCmd = &cobra.Command{
	Use:           "proxypool",
	Short:         "Free proxy pool: fetch, validate and serve public proxies",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 1. 加载 .ini 行为配置
		iniPath := filepath.Join(configDir, "proxypool.ini")
		if err := config.LoadIni(cfg, iniPath); err != nil {
			return fmt.Errorf("failed to load config file '%s': %w", iniPath, err)
		}
		// 1.1 初始化日志系统
		return logger.Init(cfg.LogConf)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the fetch loop, the validation scheduler and the web API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		appServer, err := app.New(cfg)
		if err != nil {
			return err
		}
		return appServer.Run(ctx)
	},
}

var addCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a proxy manually; it is validated on the next cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		protocol, _ := flags.GetString("protocol")
		ip, _ := flags.GetString("ip")
		port, _ := flags.GetInt("port")
		user, _ := flags.GetString("user")
		pass, _ := flags.GetString("pass")
		source, _ := flags.GetString("source")

		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			mgr := proxypool.NewManager(cfg, store, nil)
			c := model.Candidate{
				Source:   source,
				Protocol: protocol,
				IP:       ip,
				Port:     port,
				Username: model.StrPtr(user),
				Password: model.StrPtr(pass),
			}
			if err := mgr.AddProxy(ctx, c); err != nil {
				return err
			}
			fmt.Printf("added %s\n", c.Key())
			return nil
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run every enabled source once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			mgr := proxypool.NewManager(cfg, store, nil)
			for _, s := range scraper.Defaults() {
				mgr.AddScraper(s)
			}
			if err := store.EnsureSources(ctx, mgr.SourceNames()); err != nil {
				return err
			}
			mgr.RunFetchCycle(ctx)
			return printStats(ctx, store)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run one validation cycle over the proxies that are due",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			mgr := proxypool.NewManager(cfg, store, app.NewLocator(cfg.GeoConf))
			report, err := mgr.RunValidationCycle(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("cycle %s: selected=%d succeeded=%d failed=%d duration=%s\n",
				report.ID, report.Selected, report.Succeeded, report.Failed, report.Duration.Round(time.Millisecond))
			return nil
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print pool totals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), printStats)
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List ingestion sources and their fetch statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			sources, err := store.ListSources(ctx)
			if err != nil {
				return err
			}
			inDB, err := store.CountBySource(ctx)
			if err != nil {
				return err
			}
			validated, err := store.ValidatedBySource(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tENABLE\tSUM\tLAST\tLAST FETCH\tIN DB\tVALIDATED")
			for _, s := range sources {
				last := "-"
				if s.LastFetchDate != nil {
					last = s.LastFetchDate.Local().Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%s\t%d\t%d\n",
					s.Name, s.Enable, s.SumProxiesCnt, s.LastProxiesCnt, last, inDB[s.Name], validated[s.Name])
			}
			return tw.Flush()
		})
	},
}

func setSourceCmd(use string, enable bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: use + " an ingestion source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
				return store.SetSourceEnabled(ctx, args[0], enable)
			})
		},
	}
}

var resetSourcesCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the fetch statistics of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			return store.ResetSourceStats(ctx)
		})
	},
}

var exportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Write every proxy to a plain-text snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			n, err := storage.NewSnapshot(snapshotPath(args)).Export(ctx, store)
			if err != nil {
				return err
			}
			fmt.Printf("exported %d proxies\n", n)
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import [FILE]",
	Short: "Load proxies from a snapshot; they are re-validated before use",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, store *storage.Store) error {
			n, err := storage.NewSnapshot(snapshotPath(args)).Import(ctx, store)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d new proxies\n", n)
			return nil
		})
	},
}

func snapshotPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.StorageConf.SnapshotPath
}

// withStore 打开数据库执行 fn，结束后关闭数据库和进程锁。
func withStore(ctx context.Context, fn func(ctx context.Context, store *storage.Store) error) error {
	store, locker, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		if locker != nil {
			locker.Close()
		}
	}()
	return fn(ctx, store)
}

func printStats(ctx context.Context, store *storage.Store) error {
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "configdir", "configs", "Path to config directory")

	addCmd.Flags().String("protocol", "http", "Proxy protocol: http, https, socks4 or socks5")
	addCmd.Flags().String("ip", "", "Proxy IP address")
	addCmd.Flags().Int("port", 0, "Proxy port")
	addCmd.Flags().String("user", "", "Proxy username")
	addCmd.Flags().String("pass", "", "Proxy password")
	addCmd.Flags().String("source", proxypool.ManualSource, "Source name recorded for the proxy")
	addCmd.MarkFlagRequired("ip")
	addCmd.MarkFlagRequired("port")

	sourcesCmd.AddCommand(setSourceCmd("enable", true), setSourceCmd("disable", false), resetSourcesCmd)
	rootCmd.AddCommand(serveCmd, addCmd, fetchCmd, validateCmd, statsCmd, sourcesCmd, exportCmd, importCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
}
