package media

import (
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FolderDevices 把一个目录当作屏幕源：目录中最新写入的png/jpeg图片就是当前画面
// 目录被删除时轨道结束。系统声音不可用，麦克风由 Microphone 提供
type FolderDevices struct {
	Dir        string
	Microphone func(ctx context.Context, c AudioConstraints) (*Stream, error)
}

// NewFolderDevices 创建目录画面源
func NewFolderDevices(dir string) *FolderDevices {
	return &FolderDevices{Dir: dir}
}

// GetDisplayMedia 实现 Devices
func (d *FolderDevices) GetDisplayMedia(ctx context.Context, c DisplayConstraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(d.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d.Dir)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotAllowed, d.Dir)
		}
		return nil, fmt.Errorf("%w: %v", ErrNotReadable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrNotSupported, d.Dir)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReadable, err)
	}
	if err := watcher.Add(d.Dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotReadable, err)
	}

	done := make(chan struct{})
	track := NewImageVideoTrack("folder "+filepath.Base(d.Dir), c.Video.IdealFrameRate, func() {
		close(done)
		watcher.Close()
	})

	if img := latestImage(d.Dir); img != nil {
		track.SetFrame(img)
	}

	go d.watch(watcher, track, done)

	return NewStream(track), nil
}

// GetUserMedia 实现 Devices
func (d *FolderDevices) GetUserMedia(ctx context.Context, c AudioConstraints) (*Stream, error) {
	if d.Microphone == nil {
		return nil, ErrNotFound
	}
	return d.Microphone(ctx, c)
}

func (d *FolderDevices) watch(watcher *fsnotify.Watcher, track *ImageVideoTrack, done <-chan struct{}) {
	dir := filepath.Clean(d.Dir)

	for {
		select {
		case <-done:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) == dir && (event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename)) {
				log.Printf("Display folder %s removed, ending track", dir)
				track.End()
				return
			}

			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !isImageFile(event.Name) {
				continue
			}

			img, err := loadImage(event.Name)
			if err != nil {
				// 文件可能还在写入，等待下一次写事件
				continue
			}
			track.SetFrame(img)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Display folder watcher error: %v", err)
		}
	}
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	default:
		return false
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

func latestImage(dir string) image.Image {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var newest string
	var newestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !isImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, e.Name())
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return nil
	}

	img, err := loadImage(newest)
	if err != nil {
		return nil
	}
	return img
}
