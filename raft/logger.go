package raft

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
)

// Logger defines logging interface for Raft.
type Logger interface {
	Panic(v ...interface{})
	Panicln(v ...interface{})
	Panicf(format string, v ...interface{})

	Fatal(v ...interface{})
	Fatalln(v ...interface{})
	Fatalf(format string, v ...interface{})

	Error(v ...interface{})
	Errorln(v ...interface{})
	Errorf(format string, v ...interface{})

	Warning(v ...interface{})
	Warningln(v ...interface{})
	Warningf(format string, v ...interface{})

	Print(v ...interface{})
	Println(v ...interface{})
	Printf(format string, v ...interface{})

	Info(v ...interface{})
	Infoln(v ...interface{})
	Infof(format string, v ...interface{})

	Debug(v ...interface{})
	Debugln(v ...interface{})
	Debugf(format string, v ...interface{})
}

type loggerWrap struct {
	mu sync.Mutex
	Logger
}

// SetLogger swaps out the package logger. Config.Logger goes through this.
func (lw *loggerWrap) SetLogger(lg Logger) {
	lw.mu.Lock()
	lw.Logger = lg
	lw.mu.Unlock()
}

var raftLogger = &loggerWrap{Logger: newDefaultLogger("raft")}

// defaultLogger adapts go-log's zap-backed event logger to the Logger
// interface. Log level is controlled with GOLOG_LOG_LEVEL.
type defaultLogger struct {
	lg *logging.ZapEventLogger
}

func newDefaultLogger(subsystem string) Logger {
	return &defaultLogger{lg: logging.Logger(subsystem)}
}

func (l *defaultLogger) Panic(v ...interface{})   { l.lg.Panic(v...) }
func (l *defaultLogger) Panicln(v ...interface{}) { l.lg.Panic(fmt.Sprintln(v...)) }
func (l *defaultLogger) Panicf(format string, v ...interface{}) {
	l.lg.Panicf(format, v...)
}

func (l *defaultLogger) Fatal(v ...interface{})   { l.lg.Fatal(v...) }
func (l *defaultLogger) Fatalln(v ...interface{}) { l.lg.Fatal(fmt.Sprintln(v...)) }
func (l *defaultLogger) Fatalf(format string, v ...interface{}) {
	l.lg.Fatalf(format, v...)
}

func (l *defaultLogger) Error(v ...interface{})   { l.lg.Error(v...) }
func (l *defaultLogger) Errorln(v ...interface{}) { l.lg.Error(fmt.Sprintln(v...)) }
func (l *defaultLogger) Errorf(format string, v ...interface{}) {
	l.lg.Errorf(format, v...)
}

func (l *defaultLogger) Warning(v ...interface{})   { l.lg.Warn(v...) }
func (l *defaultLogger) Warningln(v ...interface{}) { l.lg.Warn(fmt.Sprintln(v...)) }
func (l *defaultLogger) Warningf(format string, v ...interface{}) {
	l.lg.Warnf(format, v...)
}

func (l *defaultLogger) Print(v ...interface{})   { l.lg.Info(v...) }
func (l *defaultLogger) Println(v ...interface{}) { l.lg.Info(fmt.Sprintln(v...)) }
func (l *defaultLogger) Printf(format string, v ...interface{}) {
	l.lg.Infof(format, v...)
}

func (l *defaultLogger) Info(v ...interface{})   { l.lg.Info(v...) }
func (l *defaultLogger) Infoln(v ...interface{}) { l.lg.Info(fmt.Sprintln(v...)) }
func (l *defaultLogger) Infof(format string, v ...interface{}) {
	l.lg.Infof(format, v...)
}

func (l *defaultLogger) Debug(v ...interface{})   { l.lg.Debug(v...) }
func (l *defaultLogger) Debugln(v ...interface{}) { l.lg.Debug(fmt.Sprintln(v...)) }
func (l *defaultLogger) Debugf(format string, v ...interface{}) {
	l.lg.Debugf(format, v...)
}
