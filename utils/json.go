package utils

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log"
	"os"
	"runtime"
	"strings"
)

func GetJsonBytes(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func GetJsonString(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func GetJsonValue(v any, jsonStr string) {
	_ = json.Unmarshal([]byte(jsonStr), v)
}

func SaveJsonSetting(fileName string, setting any) {
	file, err := os.Create(fileName)
	if err != nil {
		log.Println(err)
		return
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	defer writer.Flush()

	b, err := json.Marshal(setting)
	if err != nil {
		log.Println(err)
		return
	}
	str := bytes.Buffer{}
	_ = json.Indent(&str, b, "", "    ")
	s := str.String()
	if runtime.GOOS == "windows" {
		s = strings.ReplaceAll(s, "\n", "\r\n")
	}
	_, _ = writer.Write([]byte(s))
}

func ReadJsonSetting(fileName string, setting any, resetHandle func()) {
	if FileExists(fileName) {
		file, _ := os.Open(fileName)
		defer file.Close()
		reader := bufio.NewReader(file)
		resetHandle()
		_ = json.NewDecoder(reader).Decode(&setting)
	} else {
		resetHandle()
		SaveJsonSetting(fileName, setting)
	}
}
