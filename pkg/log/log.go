// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	_globalL atomic.Value // *zap.Logger
	_globalS atomic.Value // *zap.SugaredLogger
	_globalP atomic.Value // *ZapProperties
)

// ZapProperties 记录初始化后可供外部调整的 Logger 属性。
type ZapProperties struct {
	Core   zapcore.Core
	Syncer zapcore.WriteSyncer
	Level  zap.AtomicLevel
}

func init() {
	l, p := newStdLogger()
	_globalL.Store(l)
	_globalS.Store(l.Sugar())
	_globalP.Store(p)
}

// newStdLogger 创建默认输出到 stderr 的 Logger，用于尚未显式初始化时兜底。
func newStdLogger() (*zap.Logger, *ZapProperties) {
	cfg := &Config{Level: "info", Format: "text", Stdout: false}
	syncer := zapcore.AddSync(os.Stderr)
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	core := zapcore.NewCore(newEncoder(cfg), syncer, level)
	props := &ZapProperties{Core: core, Syncer: syncer, Level: level}
	return zap.New(core, cfg.buildOptions()...), props
}

// InitLogger 根据配置初始化一个 zap Logger。
//
// 说明：
//   - 当配置了文件日志时，使用 lumberjack 做滚动切割；
//   - Stdout 与文件日志可以同时开启，输出会合并到同一个 core；
//   - 两者均未开启时，日志被直接丢弃。
func InitLogger(cfg *Config, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	var outputs []zapcore.WriteSyncer

	if len(cfg.File.Filename) > 0 {
		lg, err := initFileLog(&cfg.File)
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, zapcore.AddSync(lg))
	}
	if cfg.Stdout {
		stdOut, _, err := zap.Open("stdout")
		if err != nil {
			return nil, nil, err
		}
		outputs = append(outputs, stdOut)
	}

	var syncer zapcore.WriteSyncer
	if len(outputs) == 0 {
		syncer = zapcore.AddSync(nopWriter{})
	} else {
		syncer = zap.CombineWriteSyncers(outputs...)
	}

	return InitLoggerWithWriteSyncer(cfg, syncer, opts...)
}

// InitLoggerWithWriteSyncer 使用指定的 WriteSyncer 初始化 Logger。
// 单元测试可以借助该入口将日志重定向到 testing.T。
func InitLoggerWithWriteSyncer(cfg *Config, syncer zapcore.WriteSyncer, opts ...zap.Option) (*zap.Logger, *ZapProperties, error) {
	level := zap.NewAtomicLevel()
	parsed := cfg.Level
	if parsed == "" {
		parsed = "info"
	}
	if strings.EqualFold(parsed, "trace") {
		parsed = "debug"
	}
	if err := level.UnmarshalText([]byte(parsed)); err != nil {
		return nil, nil, errors.Wrapf(err, "log: invalid level %q", cfg.Level)
	}

	core := zapcore.NewCore(newEncoder(cfg), syncer, level)
	if cfg.Sampling != nil {
		core = zapcore.NewSamplerWithOptions(core, 1, cfg.Sampling.Initial, cfg.Sampling.Thereafter)
	}

	props := &ZapProperties{Core: core, Syncer: syncer, Level: level}
	return zap.New(core, cfg.buildOptions()...), props, nil
}

// initFileLog 初始化基于 lumberjack 的文件日志输出。
func initFileLog(cfg *FileLogConfig) (*lumberjack.Logger, error) {
	if st, err := os.Stat(cfg.Filename); err == nil && st.IsDir() {
		return nil, errors.New("log: can't use directory as log file name")
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = defaultLogMaxSize
	}

	return &lumberjack.Logger{
		Filename:   filepath.Join(cfg.RootPath, cfg.Filename),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxDays,
		LocalTime:  true,
	}, nil
}

// newEncoder 根据 Format 配置构造编码器，json 之外一律按 text 处理。
func newEncoder(cfg *Config) zapcore.Encoder {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeDuration = zapcore.StringDurationEncoder
	if cfg.DisableTimestamp {
		encCfg.TimeKey = ""
	}
	if strings.EqualFold(cfg.Format, "json") {
		return zapcore.NewJSONEncoder(encCfg)
	}
	return zapcore.NewConsoleEncoder(encCfg)
}

// ReplaceGlobals 替换全局 Logger 及其属性。
func ReplaceGlobals(logger *zap.Logger, props *ZapProperties) {
	_globalL.Store(logger)
	_globalS.Store(logger.Sugar())
	_globalP.Store(props)
}

// L 返回全局 Logger。调用方可安全地并发使用。
func L() *zap.Logger {
	return _globalL.Load().(*zap.Logger)
}

// S 返回全局 SugaredLogger。
func S() *zap.SugaredLogger {
	return _globalS.Load().(*zap.SugaredLogger)
}

// Prop 返回全局 Logger 的属性，可用于运行时动态调节日志级别。
func Prop() *ZapProperties {
	return _globalP.Load().(*ZapProperties)
}

// SetLevel 动态调整全局日志级别。
func SetLevel(l zapcore.Level) {
	Prop().Level.SetLevel(l)
}

// With 基于全局 Logger 创建携带额外字段的子 Logger。
func With(fields ...zap.Field) *zap.Logger {
	return L().With(fields...)
}

// Sync 刷新全局 Logger 中缓存的日志条目。
func Sync() error {
	return L().Sync()
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
