package main

import (
	"errors"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/netroby/scm-manager/internal/config"
	"github.com/netroby/scm-manager/pkg/logger"
	"github.com/netroby/scm-manager/pkg/plugin"
	"github.com/netroby/scm-manager/sdk/go/scm"
)

// rootOptions 保存全局参数，命令行参数优先于配置文件。
type rootOptions struct {
	configPath string
	baseURL    string
	token      string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "scmconsole",
		Short:        "Manage SCM-Manager plugins",
		Long:         `Install, uninstall and update SCM-Manager plugins from the terminal or through the console API.`,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "Path to the console configuration (default $"+config.EnvPath+" or "+config.DefaultPath+")")
	flags.StringVar(&opts.baseURL, "url", "", "SCM-Manager REST base URL, e.g. http://localhost:8080/scm/api/rest/")
	flags.StringVar(&opts.token, "token", "", "Bearer access token")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(opts),
		newPluginsCmd(opts),
		newTagsCmd(opts),
		newHgCmd(opts),
	)
	return cmd
}

// loadConfig 读取配置并初始化日志。默认路径不存在时使用内置默认值。
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := config.Resolve(o.configPath)
	cfg, err := config.Load(path)
	if err != nil {
		if path != config.DefaultPath || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if o.baseURL != "" {
		cfg.SCM.BaseURL = o.baseURL
	}
	if o.token != "" {
		cfg.SCM.AccessToken = o.token
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient 根据配置创建 SCM 客户端，令牌优先于用户名密码。
func newClient(cfg *config.Config) (*scm.Client, error) {
	client, err := scm.NewClient(cfg.SCM.BaseURL, nil)
	if err != nil {
		return nil, err
	}
	switch {
	case cfg.SCM.AccessToken != "":
		client.SetAccessToken(cfg.SCM.AccessToken)
	case cfg.SCM.Username != "":
		client.SetBasicAuth(cfg.SCM.Username, cfg.SCM.Password)
	}
	return client, nil
}

func loadMessages(cfg *config.Config) (plugin.Messages, error) {
	if cfg.Messages.Path == "" {
		return plugin.DefaultMessages(), nil
	}
	return plugin.LoadMessages(cfg.Messages.Path)
}
