package logger

import "log"

// InitLogger 初始化日志器，prefix 用于区分同一进程中的角色
func InitLogger(prefix string) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	if prefix != "" {
		log.SetPrefix("[" + prefix + "] ")
	}
	log.Printf("Logger initialized")
}
