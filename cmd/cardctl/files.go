package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"idcard/internal/binder"
	"idcard/internal/cardtemplate"
)

// loadTemplateFile 读取与 API 请求体相同格式的模板 JSON。
func loadTemplateFile(path string) (cardtemplate.Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cardtemplate.Template{}, fmt.Errorf("read template: %w", err)
	}
	var rec cardtemplate.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return cardtemplate.Template{}, fmt.Errorf("%w: parse %s: %v", cardtemplate.ErrInvalidTemplate, path, err)
	}
	return cardtemplate.FromRecord(rec)
}

type rosterFile struct {
	Employees []binder.Employee `yaml:"employees"`
}

// loadRoster 读取 YAML 花名册，顺序即打印顺序。
func loadRoster(path string) ([]binder.Employee, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}
	var roster rosterFile
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}

	seen := make(map[string]struct{}, len(roster.Employees))
	for i, emp := range roster.Employees {
		id := strings.TrimSpace(emp.ID)
		if id == "" {
			return nil, fmt.Errorf("roster entry #%d has no id", i+1)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("roster has duplicate id %q", id)
		}
		seen[id] = struct{}{}
		roster.Employees[i].ID = id
	}
	return roster.Employees, nil
}

// dirObjects 把本地目录当作对象存储，供离线渲染解析对象 key。
type dirObjects struct {
	root string
}

func (d dirObjects) ReadObject(_ context.Context, objectKey string) ([]byte, string, error) {
	clean := filepath.Clean(filepath.FromSlash(objectKey))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return nil, "", fmt.Errorf("object key %q escapes asset directory", objectKey)
	}
	data, err := os.ReadFile(filepath.Join(d.root, clean))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, "", fmt.Errorf("object %q not found", objectKey)
		}
		return nil, "", err
	}
	return data, http.DetectContentType(data), nil
}
