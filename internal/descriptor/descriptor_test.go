package descriptor

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "qw.json")
	want := Descriptor{
		Port:         5123,
		StartedAt:    time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		PID:          os.Getpid(),
		Debug:        true,
		RecentErrors: []string{"gem: timeout"},
	}
	if err := Write(path, want); err != nil {
		t.Fatalf("写入描述文件失败: %v", err)
	}
	got, err := Read(path)
	if err != nil {
		t.Fatalf("读取描述文件失败: %v", err)
	}
	if got.Port != want.Port || got.PID != want.PID || !got.StartedAt.Equal(want.StartedAt) || !got.Debug {
		t.Fatalf("字段不一致: %+v", got)
	}
	if len(got.RecentErrors) != 1 || got.RecentErrors[0] != "gem: timeout" {
		t.Fatalf("最近错误不一致: %v", got.RecentErrors)
	}
	if got.BaseURL() != "http://127.0.0.1:5123" {
		t.Fatalf("BaseURL 错误: %s", got.BaseURL())
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Fatalf("不应残留临时文件, 实际 %d 个文件", len(entries))
	}
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "absent.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("缺失文件应返回 ErrNotFound, 实际 %v", err)
	}
}

func TestRemoveOnlyOwnDescriptor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qw.json")
	if err := Write(path, Descriptor{Port: 1, PID: 4242}); err != nil {
		t.Fatal(err)
	}
	if err := Remove(path, 1111); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err != nil {
		t.Fatalf("其他进程的描述文件不应被删除: %v", err)
	}
	if err := Remove(path, 4242); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("描述文件应已删除, 实际 %v", err)
	}
	if err := Remove(path, 4242); err != nil {
		t.Fatalf("重复删除应无错误: %v", err)
	}
}

func TestAlive(t *testing.T) {
	if !(Descriptor{PID: os.Getpid()}).Alive() {
		t.Fatal("当前进程应存活")
	}
	if (Descriptor{}).Alive() {
		t.Fatal("pid 为 0 不应存活")
	}
}
