package server

import (
	"embed"
)

//go:embed web/index.html
var webFS embed.FS

// indexHTML はビューアーページの内容を返す
func indexHTML() []byte {
	data, err := webFS.ReadFile("web/index.html")
	if err != nil {
		// 埋め込み済みのファイルなので読めないことはない
		panic(err)
	}
	return data
}
