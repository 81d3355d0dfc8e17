package main

import (
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tilestream/internal/engine"
	"tilestream/internal/tile"
)

var conf *Conf

type Conf struct {
	App struct {
		Version string `toml:"version"`
		Title   string `toml:"title"`
	} `toml:"app"`
	Output struct {
		Directory      string `toml:"directory"`
		LogDir         string `toml:"logDir"`
		OutputTerminal bool   `toml:"outputTerminal"`
	} `toml:"output"`
	BreakPoint struct {
		SaveFilePath string `toml:"saveFilePath"`
	} `toml:"breakPoint"`
	Tm struct {
		Name      string `toml:"name"`
		Format    string `toml:"format"`
		URL       string `toml:"url"`
		UserAgent string `toml:"userAgent"`
		Local     struct {
			Enabled bool   `toml:"enabled"`
			Pattern string `toml:"pattern"`
		} `toml:"local"`
	} `toml:"tm"`
	Engine struct {
		TileSize      int           `toml:"tileSize"`
		MinZoom       int           `toml:"minZoom"`
		MaxZoom       int           `toml:"maxZoom"`
		MaxDownloads  int           `toml:"maxDownloads"`
		AncestorDepth int           `toml:"ancestorDepth"`
		EmptyColor    string        `toml:"emptyColor"`
		PollBudget    time.Duration `toml:"pollBudget"`
		FetchTimeout  time.Duration `toml:"fetchTimeout"`
		SmartBuffer   bool          `toml:"smartBuffer"`
		Retry         struct {
			Max         int           `toml:"max"`
			Initial     time.Duration `toml:"initial"`
			MaxInterval time.Duration `toml:"maxInterval"`
		} `toml:"retry"`
	} `toml:"engine"`
	Tour struct {
		Geojson      string        `toml:"geojson"`
		Zoom         int           `toml:"zoom"`
		Width        int           `toml:"width"`
		Height       int           `toml:"height"`
		Steps        int           `toml:"steps"`
		TickInterval time.Duration `toml:"tickInterval"`
		FrameTimeout time.Duration `toml:"frameTimeout"`
	} `toml:"tour"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
}

// InitConf 初始化配置
func InitConf(cfgFile string) {
	c, err := loadConf(cfgFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if routePath != "" {
		c.Tour.Geojson = routePath
	}
	conf = c
}

func loadConf(cfgFile string) (*Conf, error) {
	if cfgFile == "" {
		cfgFile = "conf.toml"
	}
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file(%s) not exist", cfgFile)
	}
	v := viper.New()
	v.SetConfigType("toml")
	v.SetConfigFile(cfgFile)
	v.AutomaticEnv() // read in environment variables that match
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file(%s) error, details: %w", v.ConfigFileUsed(), err)
	}
	// 设置默认值
	v.SetDefault("app.version", "v 0.1.0")
	v.SetDefault("app.title", "MapCloud Tiler")
	v.SetDefault("output.directory", "output")
	v.SetDefault("output.outputTerminal", true)
	v.SetDefault("breakPoint.saveFilePath", "breakpoint")
	v.SetDefault("tm.format", PNG)
	v.SetDefault("tm.userAgent", "tilestream/0.1")
	v.SetDefault("engine.tileSize", TileSize)
	v.SetDefault("engine.minZoom", ZoomMin)
	v.SetDefault("engine.maxZoom", ZoomMax)
	v.SetDefault("engine.maxDownloads", 5)
	v.SetDefault("engine.emptyColor", "#e5e3df")
	v.SetDefault("engine.pollBudget", "8ms")
	v.SetDefault("engine.fetchTimeout", "20s")
	v.SetDefault("engine.retry.max", 3)
	v.SetDefault("engine.retry.initial", "2s")
	v.SetDefault("engine.retry.maxInterval", "1m")
	v.SetDefault("tour.zoom", 12)
	v.SetDefault("tour.width", 800)
	v.SetDefault("tour.height", 600)
	v.SetDefault("tour.steps", 50)
	v.SetDefault("tour.tickInterval", "10ms")
	v.SetDefault("tour.frameTimeout", "30s")

	var c Conf
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("配置文件解析失败: %w", err)
	}
	return &c, nil
}

// EngineConfig maps the engine section onto engine.Config.
func (c *Conf) EngineConfig() (engine.Config, error) {
	empty, err := parseHexColor(c.Engine.EmptyColor)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		TileSize:      c.Engine.TileSize,
		MinZoom:       c.Engine.MinZoom,
		MaxZoom:       c.Engine.MaxZoom,
		MaxDownloads:  c.Engine.MaxDownloads,
		AncestorDepth: c.Engine.AncestorDepth,
		EmptyColor:    empty,
		PollBudget:    c.Engine.PollBudget,
		FetchTimeout:  c.Engine.FetchTimeout,
		SmartBuffer:   c.Engine.SmartBuffer,
		Retry: tile.RetryPolicy{
			MaxAttempts: c.Engine.Retry.Max,
			Initial:     c.Engine.Retry.Initial,
			MaxInterval: c.Engine.Retry.MaxInterval,
		},
	}, nil
}

// TileMap builds the provider description of the tm section.
func (c *Conf) TileMap() TileMap {
	m := TileMap{
		Name:      c.Tm.Name,
		Format:    c.Tm.Format,
		URL:       c.Tm.URL,
		UserAgent: c.Tm.UserAgent,
	}
	if c.Tm.Local.Enabled {
		m.LocalPattern = c.Tm.Local.Pattern
	}
	return m
}

// parseHexColor reads "#rrggbb" or "#rrggbbaa". An empty string yields the
// zero color, which the engine replaces with its default.
func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if s == "" {
		return color.RGBA{}, nil
	}
	if len(s) != 6 && len(s) != 8 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	if len(s) == 6 {
		s += "ff"
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
