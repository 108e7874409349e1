package logger

import (
	"io"
	"sync"
)

// LogManager 按模块分发日志器，所有模块共享同一输出，级别可单独覆盖
type LogManager struct {
	config  Config
	output  io.Writer
	mu      sync.RWMutex
	loggers map[string]Logger
}

// NewLogManager 创建日志管理器
func NewLogManager(config Config) *LogManager {
	return NewLogManagerWithWriter(config, resolveOutput(config))
}

// NewLogManagerWithWriter 使用指定输出创建日志管理器
func NewLogManagerWithWriter(config Config, output io.Writer) *LogManager {
	return &LogManager{
		config:  config,
		output:  output,
		loggers: make(map[string]Logger),
	}
}

// Root 返回不带模块字段的日志器，级别为全局级别
func (lm *LogManager) Root() Logger {
	return lm.GetLogger("")
}

// GetLogger 获取模块日志器，首次调用时创建
func (lm *LogManager) GetLogger(module string) Logger {
	lm.mu.RLock()
	l, ok := lm.loggers[module]
	lm.mu.RUnlock()
	if ok {
		return l
	}

	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.loggers[module]; ok {
		return l
	}
	cfg := lm.config
	if level, ok := cfg.Modules[module]; ok && module != "" {
		cfg.Level = level
	}
	l = NewWithWriter(cfg, lm.output)
	if module != "" {
		l = l.WithField("module", module)
	}
	lm.loggers[module] = l
	return l
}

// SetModuleLevel 运行时调整模块级别
func (lm *LogManager) SetModuleLevel(module string, level LogLevel) {
	lm.GetLogger(module).SetLevel(level)
}

// Close 关闭文件输出
func (lm *LogManager) Close() error {
	if c, ok := lm.output.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
