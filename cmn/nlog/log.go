// Package nlog is a thin wrapper around glog giving every package in this
// module a single, consistently named logging entry point.
package nlog

import (
	"github.com/golang/glog"
)

func Infof(format string, args ...interface{})    { glog.Infof(format, args...) }
func Warningf(format string, args ...interface{}) { glog.Warningf(format, args...) }
func Errorf(format string, args ...interface{})   { glog.Errorf(format, args...) }
func Fatalf(format string, args ...interface{})   { glog.Fatalf(format, args...) }

func V(level glog.Level) glog.Verbose { return glog.V(level) }

// Flush flushes all pending log I/O; called from the shutdown path.
func Flush() { glog.Flush() }
