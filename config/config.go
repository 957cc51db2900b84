// Package config 加载 runtime 参数。
//
// 优先级从低到高：内置默认值、CAPS_CONFIG 指定的 TOML 文件
// （或 ~/.config/caps/config.toml）、CAPS_* 环境变量、
// 命令行参数
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"go-rem/caps/osthread"
	"go-rem/caps/timer"
)

// Flags 保存 runtime 的选项
type Flags struct {
	// Capabilities 是 capability 的数量，每个对应一个 OS worker
	Capabilities int `mapstructure:"capabilities"`

	// TickInterval 是 timer 周期，0 表示关闭 timer
	TickInterval time.Duration `mapstructure:"tick-interval"`
	// CtxtSwitchTime 是要求运行中线程让出的间隔
	CtxtSwitchTime time.Duration `mapstructure:"ctxt-switch-time"`
	// IdleGCDelay 是 runtime 空闲多久之后做空闲 GC
	IdleGCDelay time.Duration `mapstructure:"idle-gc-delay"`
	// InterIdleGCWait 是两次空闲 GC 之间的最短间隔
	InterIdleGCWait time.Duration `mapstructure:"inter-idle-gc-wait"`
	DoIdleGC        bool          `mapstructure:"idle-gc"`

	// SetAffinity 把第 n 个 capability 绑定到 n, n+N, n+2N, ... 号处理器
	SetAffinity bool `mapstructure:"affinity"`

	MaxMessagesPerLoop int `mapstructure:"max-messages"`
	SparkPoolSize      int `mapstructure:"spark-pool-size"`
	NurserySize        int `mapstructure:"nursery-size"`

	// DeadlockDetection 复活那些永远不会被唤醒的线程
	DeadlockDetection bool `mapstructure:"deadlock-detection"`
	Debug             bool `mapstructure:"debug"`
}

const envPrefix = "CAPS"

func setDefaults(v *viper.Viper) {
	v.SetDefault("capabilities", osthread.NumberOfProcessors())
	v.SetDefault("tick-interval", 10*time.Millisecond)
	v.SetDefault("ctxt-switch-time", 20*time.Millisecond)
	v.SetDefault("idle-gc-delay", 300*time.Millisecond)
	v.SetDefault("inter-idle-gc-wait", time.Duration(0))
	v.SetDefault("idle-gc", true)
	v.SetDefault("affinity", false)
	v.SetDefault("max-messages", 64)
	v.SetDefault("spark-pool-size", 4096)
	v.SetDefault("nursery-size", 1<<20)
	v.SetDefault("deadlock-detection", true)
	v.SetDefault("debug", false)
}

// Default 返回内置参数，忽略配置文件和环境变量
func Default() Flags {
	v := viper.New()
	setDefaults(v)
	var f Flags
	if err := v.Unmarshal(&f); err != nil {
		panic(fmt.Sprintf("config: defaults do not decode: %v", err))
	}
	return f
}

// RegisterFlags 为每个选项在 fs 上注册一个命令行参数
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.Int("capabilities", d.Capabilities, "number of capabilities")
	fs.Duration("tick-interval", d.TickInterval, "timer tick interval (0 disables the timer)")
	fs.Duration("ctxt-switch-time", d.CtxtSwitchTime, "context switch interval")
	fs.Duration("idle-gc-delay", d.IdleGCDelay, "idle time before an idle collection")
	fs.Duration("inter-idle-gc-wait", d.InterIdleGCWait, "minimum time between idle collections")
	fs.Bool("idle-gc", d.DoIdleGC, "collect when the runtime goes idle")
	fs.Bool("affinity", d.SetAffinity, "pin capability workers to processors")
	fs.Int("max-messages", d.MaxMessagesPerLoop, "inbox messages handled per scheduler iteration")
	fs.Int("spark-pool-size", d.SparkPoolSize, "spark pool capacity per capability (power of two)")
	fs.Int("nursery-size", d.NurserySize, "allocation area bytes per capability")
	fs.Bool("deadlock-detection", d.DeadlockDetection, "resurrect deadlocked threads")
	fs.Bool("debug", d.Debug, "debug logging")
}

// Load 读取参数。fs 可以为 nil；否则命令行上设置过的参数
// 覆盖其他来源
func Load(fs *pflag.FlagSet) (Flags, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	cfgPath := os.Getenv(envPrefix + "_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "caps"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return Flags{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Flags{}, fmt.Errorf("read config: %w", err)
		}
	}

	var f Flags
	if err := v.Unmarshal(&f); err != nil {
		return Flags{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Flags{}, fmt.Errorf("validate config: %w", err)
	}
	return f, nil
}

// Validate 检查参数能否启动一个 runtime
func (f *Flags) Validate() error {
	if f.Capabilities < 1 {
		return fmt.Errorf("capabilities: %d must be at least 1", f.Capabilities)
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"tick-interval", f.TickInterval},
		{"ctxt-switch-time", f.CtxtSwitchTime},
		{"idle-gc-delay", f.IdleGCDelay},
		{"inter-idle-gc-wait", f.InterIdleGCWait},
	} {
		if d.v < 0 {
			return fmt.Errorf("%s: %v is negative", d.name, d.v)
		}
	}
	if f.MaxMessagesPerLoop < 1 {
		return fmt.Errorf("max-messages: %d must be at least 1", f.MaxMessagesPerLoop)
	}
	if n := f.SparkPoolSize; n < 2 || n&(n-1) != 0 {
		return fmt.Errorf("spark-pool-size: %d is not a power of two", n)
	}
	if f.NurserySize <= 0 {
		return fmt.Errorf("nursery-size: %d must be positive", f.NurserySize)
	}
	return nil
}

// CtxtSwitchTicks 把 CtxtSwitchTime 换算成 timer tick 数。
// 0 表示 timer 从不强制上下文切换
func (f *Flags) CtxtSwitchTicks() int {
	if f.TickInterval <= 0 || f.CtxtSwitchTime <= 0 {
		return 0
	}
	return max(1, int(f.CtxtSwitchTime/f.TickInterval))
}

// Timer 返回间隔定时器需要的选项
func (f *Flags) Timer() timer.Config {
	return timer.Config{
		TickInterval:    f.TickInterval,
		CtxtSwitchTicks: f.CtxtSwitchTicks(),
		IdleGCDelay:     f.IdleGCDelay,
		InterIdleGCWait: f.InterIdleGCWait,
		DoIdleGC:        f.DoIdleGC,
	}
}
