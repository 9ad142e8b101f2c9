// Package cli 实现 inboxctl 运维命令。
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"inboxd/internal/app"
	"inboxd/internal/config"
	"inboxd/internal/logger"
)

type options struct {
	configFile string
	jsonOutput bool
}

// NewRootCommand 创建 inboxctl 根命令
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "inboxctl",
		Short:         "Operator tool for the inboxd intake store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: INBOXD_CONFIG or ./inboxd.*)")
	root.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newMigrateCommand(opts),
		newReindexCommand(opts),
		newReleaseCommand(opts),
		newAPIKeyCommand(opts),
		newDBCommand(),
	)
	return root
}

// Execute 运行 inboxctl
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (o *options) loadConfig() (*config.Config, error) {
	if o.configFile != "" {
		return config.LoadFile(o.configFile)
	}
	return config.Load()
}

// openApp 加载配置并打开存储，调用方负责 Close
func (o *options) openApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 命令行输出走 stdout，日志只保留警告以上
	logCfg := cfg.Log
	if logger.ParseLevel(logCfg.Level) < zapcore.WarnLevel {
		logCfg.Level = "warn"
	}
	logs, err := logger.New(logCfg)
	if err != nil {
		return nil, err
	}

	return app.Open(cmd.Context(), cfg, logs.Logger)
}

// printResult --json 时输出 JSON，否则调用 text 输出文本
func (o *options) printResult(w io.Writer, v any, text func(io.Writer)) error {
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
