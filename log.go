/* Copyright (c) 2025 Waldemar Augustyn */

package main

import (
	"fmt"
	golog "log"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	TRACE = iota
	DEBUG
	INFO
	ERROR
	FATAL
	NONE

	DAMP_ENTRIES = 512
	DAMP_WINDOW  = 30 * time.Second
)

type Log struct {
	level uint
}

var log = Log{INFO}

// recently emitted warning keys, used to suppress repeats from packet floods
var dampener *expirable.LRU[string, struct{}]

func (l *Log) set(level uint, stamps bool) {

	l.level = level

	if stamps {
		golog.SetFlags(golog.Ltime | golog.Lmicroseconds)
	} else {
		golog.SetFlags(0)
	}

	dampener = expirable.NewLRU[string, struct{}](DAMP_ENTRIES, nil, DAMP_WINDOW)
}

func (l *Log) fatal(msg string, params ...interface{}) {

	golog.Printf("F "+msg, params...)
	os.Exit(1)
}

func (l *Log) err(msg string, params ...interface{}) {

	if l.level <= ERROR {
		golog.Printf("E "+msg, params...)
	}
}

// like err but suppresses repeats of the same key within DAMP_WINDOW
func (l *Log) err_limited(key string, msg string, params ...interface{}) {

	if l.level > ERROR {
		return
	}
	if dampener != nil {
		if _, ok := dampener.Get(key); ok {
			return
		}
		dampener.Add(key, struct{}{})
	}
	golog.Printf("E "+msg, params...)
}

func (l *Log) info(msg string, params ...interface{}) {

	if l.level <= INFO {
		golog.Printf("I "+msg, params...)
	}
}

func (l *Log) debug(msg string, params ...interface{}) {

	if len(cli.debug) == 0 {
		return
	}

	_, fname, line, ok := runtime.Caller(1)
	if !ok {
		return
	}

	bix := 0
	eix := len(fname)
	if ix := strings.LastIndex(fname, "/"); ix >= 0 {
		bix = ix + 1
	}
	if ix := strings.LastIndex(fname, "."); ix >= 0 {
		eix = ix
	}

	if cli.debug[fname[bix:eix]] || cli.debug["all"] {
		msg = fmt.Sprintf("%v(%v): ", fname[bix:], line) + msg
		golog.Printf("D "+msg, params...)
	}
}

func (l *Log) trace(msg string, params ...interface{}) {

	if l.level <= TRACE {
		golog.Printf("T "+msg, params...)
	}
}
