package sidecar

import "github.com/GregorR/upfs/internal/upfserr"

func errCorrupt(format string, args ...interface{}) error {
	return upfserr.New(upfserr.IO, format, args...)
}

func errIOf(format string, args ...interface{}) error {
	return upfserr.New(upfserr.IO, format, args...)
}
