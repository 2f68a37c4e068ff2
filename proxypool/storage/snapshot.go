package storage

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"proxypool_nexus/internal/shared/logger"
	"proxypool_nexus/proxypool/model"
)

const (
	delimiter = '|'
	numFields = 13 // protocol|ip|port|fetcher_name|username|password|country|address|validated|latency|validate_date|to_validate_date|validate_failed_cnt

	// SnapshotSource 是导入快照时写入的来源名称。
	SnapshotSource = "snapshot"
)

// Snapshot 使用纯文本文件导出/导入代理池，每行一个代理，字段以 | 分隔。
// 包含 | 或引号的字段按 CSV 规则加引号。
type Snapshot struct {
	filePath string
}

// NewSnapshot 创建一个新的 Snapshot 实例。
func NewSnapshot(filePath string) *Snapshot {
	return &Snapshot{filePath: filePath}
}

// Export 将 Store 中的全部代理写入快照文件，返回写入数量。
func (sn *Snapshot) Export(ctx context.Context, s *Store) (int, error) {
	proxies, err := s.List(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("list proxies: %w", err)
	}
	if err := sn.Save(proxies); err != nil {
		return 0, err
	}
	return len(proxies), nil
}

// Import 读取快照文件并将每一行作为候选代理 Upsert 到 Store，返回新建数量。
func (sn *Snapshot) Import(ctx context.Context, s *Store) (int, error) {
	proxies, err := sn.Load()
	if err != nil {
		return 0, err
	}

	created := 0
	for _, p := range proxies {
		ok, err := s.Upsert(ctx, model.Candidate{
			Source:   SnapshotSource,
			Protocol: p.Protocol,
			IP:       p.IP,
			Port:     p.Port,
			Username: p.Username,
			Password: p.Password,
			Country:  p.Country,
			Address:  p.Address,
		})
		if err != nil {
			return created, fmt.Errorf("import %s: %w", p.Key, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}

// Load 从纯文本文件加载代理，格式错误的行会被跳过。
func (sn *Snapshot) Load() ([]*model.Proxy, error) {
	l := logger.WithComponent("ProxyPool/Snapshot")

	file, err := os.Open(sn.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", sn.filePath).Msg("Snapshot file not found, nothing to load.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var proxies []*model.Proxy
	r := newSnapshotReader(file)
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				l.Warn().Int("line", perr.StartLine).Err(perr.Err).Msg("Skipping malformed line in snapshot file.")
				continue
			}
			return nil, err
		}
		lineNum, _ := r.FieldPos(0)

		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in snapshot file.")
			continue
		}

		p, err := parseProxy(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy from line, skipping.")
			continue
		}
		proxies = append(proxies, p)
	}

	l.Info().Int("count", len(proxies)).Msg("Loaded proxies from snapshot.")
	return proxies, nil
}

// Save 将代理写入快照文件（先写临时文件再重命名）。
func (sn *Snapshot) Save(proxies []*model.Proxy) error {
	l := logger.WithComponent("ProxyPool/Snapshot")

	if err := os.MkdirAll(filepath.Dir(sn.filePath), 0755); err != nil {
		return err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delimiter
	for _, p := range proxies {
		if err := w.Write(formatProxy(p)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	tmp := sn.filePath + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, sn.filePath); err != nil {
		return err
	}

	l.Info().Int("count", len(proxies)).Str("path", sn.filePath).Msg("Saved proxies to snapshot.")
	return nil
}

func newSnapshotReader(rd io.Reader) *csv.Reader {
	r := csv.NewReader(rd)
	r.Comma = delimiter
	r.FieldsPerRecord = -1 // 字段数由 Load 自己检查，错误行只跳过
	r.LazyQuotes = true
	return r
}

// formatProxy 将 Proxy 格式化为一行的字段，空的可选字段写为空串。
func formatProxy(p *model.Proxy) []string {
	var validateDate int64
	if p.ValidateDate != nil {
		validateDate = p.ValidateDate.UnixMilli()
	}
	return []string{
		p.Protocol,
		p.IP,
		strconv.Itoa(p.Port),
		p.FetcherName,
		deref(p.Username),
		deref(p.Password),
		deref(p.Country),
		deref(p.Address),
		strconv.FormatBool(p.Validated),
		strconv.FormatInt(p.Latency, 10),
		strconv.FormatInt(validateDate, 10),
		strconv.FormatInt(p.ToValidateDate.UnixMilli(), 10),
		strconv.Itoa(p.ValidateFailedCnt),
	}
}

// parseProxy 从字符串切片解析出一个 Proxy。
func parseProxy(fields []string) (*model.Proxy, error) {
	port, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}
	validated, err := strconv.ParseBool(fields[8])
	if err != nil {
		return nil, fmt.Errorf("invalid validated: %w", err)
	}
	latency, err := strconv.ParseInt(fields[9], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latency: %w", err)
	}
	validateDate, err := strconv.ParseInt(fields[10], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid validate_date: %w", err)
	}
	toValidateDate, err := strconv.ParseInt(fields[11], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid to_validate_date: %w", err)
	}
	failedCnt, err := strconv.Atoi(fields[12])
	if err != nil {
		return nil, fmt.Errorf("invalid validate_failed_cnt: %w", err)
	}

	p := &model.Proxy{
		Key:               model.Key{Protocol: fields[0], IP: fields[1], Port: port},
		FetcherName:       fields[3],
		Username:          model.StrPtr(fields[4]),
		Password:          model.StrPtr(fields[5]),
		Country:           model.StrPtr(fields[6]),
		Address:           model.StrPtr(fields[7]),
		Validated:         validated,
		Latency:           latency,
		ToValidateDate:    time.UnixMilli(toValidateDate),
		ValidateFailedCnt: failedCnt,
	}
	if validateDate > 0 {
		t := time.UnixMilli(validateDate)
		p.ValidateDate = &t
	}
	return p, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
