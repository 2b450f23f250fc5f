package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"binance-multigrid-bot/internal/models"
)

var root *zap.SugaredLogger

// InitLogger 按配置初始化全局日志。级别无法解析时回落到 info，
// output 为空或未知时回落到控制台
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if output == "file" || output == "both" {
		// lumberjack 负责日志切割；文件里不写颜色转义序列
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(newEncoder(false), zapcore.AddSync(rotator), level))
	}
	if output == "console" || output == "both" || len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(newEncoder(true), zapcore.AddSync(os.Stdout), level))
	}

	root = zap.New(zapcore.NewTee(cores...), zap.AddCaller()).Sugar()
}

// newEncoder 返回统一的日志编码器，控制台输出带彩色级别标记
func newEncoder(color bool) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	if color {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		ec.EncodeLevel = zapcore.CapitalLevelEncoder
	}
	return zapcore.NewConsoleEncoder(ec)
}

// S 返回全局的sugared logger实例。未初始化时提供应急logger
func S() *zap.SugaredLogger {
	if root == nil {
		logger, _ := zap.NewDevelopment()
		return logger.Sugar()
	}
	return root
}

// Component 返回带组件名的子logger，组件名会出现在每条日志里
func Component(name string) *zap.SugaredLogger {
	return S().Named(name)
}

// Sync 刷新缓冲中的日志，应在进程退出前调用
func Sync() {
	if root != nil {
		_ = root.Sync()
	}
}
