package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

func PrintError() {
	if err := recover(); err != nil {
		errMsg := "stacktrace from panic: \n" + (err.(error)).Error() + "\n" + string(debug.Stack())
		fmt.Println(errMsg)
		log.Println(errMsg)
	}
}

func SetLogFile(prefix string) {
	fileWriter := newLogFileWriter(prefix)
	mw := io.MultiWriter(fileWriter, os.Stdout)
	log.SetOutput(mw)
}

func FileExists(path string) bool {
	_, err := os.Stat(path)
	if err != nil {
		return os.IsExist(err)
	}
	return true
}

type logFileWriter struct {
	logFileWriterLock sync.Mutex
	filePrefix        string
}

func newLogFileWriter(filePrefix string) *logFileWriter {
	return &logFileWriter{filePrefix: filePrefix}
}

func (l *logFileWriter) Write(p []byte) (n int, err error) {
	defer l.logFileWriterLock.Unlock()
	l.logFileWriterLock.Lock()

	dir := filepath.Join(filepath.Dir(os.Args[0]), "logs")
	if !FileExists(dir) {
		if err = os.MkdirAll(dir, 0755); err != nil {
			return 0, err
		}
	}

	prefix := ""
	if l.filePrefix != "" {
		prefix = l.filePrefix + "-"
	}
	fileName := filepath.Join(dir, fmt.Sprintf("%s%s.log", prefix, time.Now().Format("2006-01-02")))
	var logfile *os.File

	if !FileExists(fileName) {
		if logfile, err = os.Create(fileName); err != nil {
			return 0, err
		}
	} else {
		if logfile, err = os.OpenFile(fileName, os.O_WRONLY|os.O_APPEND, 0666); err != nil {
			return 0, err
		}
	}
	defer func() {
		_ = logfile.Close()
	}()

	return logfile.Write(p)
}
