package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dutchcoders/go-clamd"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"

	"idcard/internal/storage"
)

const (
	assetPrefix       = "card-assets/"
	maxAssetBytes     = 5 << 20
	assetViewURLTTL   = 15 * time.Minute
	maxAssetKeyLength = 200
	defaultAssetLimit = 60
	maxAssetLimit     = 200
)

// 上传资源的类别，决定对象路径的第二级目录。
var assetKinds = map[string]struct{}{
	"photos":      {},
	"logos":       {},
	"backgrounds": {},
}

var assetExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
}

// AssetStore 是资源上传用到的对象存储子集。
type AssetStore interface {
	PresignStore
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
	ListObjects(ctx context.Context, prefix string, limit int) ([]storage.ObjectMeta, error)
}

// VirusScanner 由 *clamd.Clamd 实现。
type VirusScanner interface {
	ScanStream(r io.Reader, abortchan chan bool) (chan *clamd.ScanResult, error)
}

// AssetHandler 负责处理员工照片、Logo 与背景图的上传与访问。
type AssetHandler struct {
	Storage AssetStore
	Logger  *slog.Logger
	// Scanner 为 nil 时跳过病毒扫描（仅用于本地开发）。
	Scanner VirusScanner
}

// NewAssetHandler 返回 AssetHandler 实例；clamdAddr 为空时不扫描。
func NewAssetHandler(storageClient AssetStore, logger *slog.Logger, clamdAddr string) *AssetHandler {
	h := &AssetHandler{
		Storage: storageClient,
		Logger:  logger,
	}
	if clamdAddr != "" {
		h.Scanner = clamd.NewClamd(clamdAddr)
	}
	return h
}

// UploadAsset 处理图片上传，并在上传前扫描病毒。
// 返回的 objectKey 可直接写入模板或员工记录作为图片来源。
func (h *AssetHandler) UploadAsset(c *gin.Context) {
	kind := c.DefaultPostForm("kind", "photos")
	if _, ok := assetKinds[kind]; !ok {
		BadRequest(c, "unknown asset kind")
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "missing file")
		return
	}
	if file.Size <= 0 || file.Size > maxAssetBytes {
		BadRequest(c, "file size out of range")
		return
	}

	fileReader, err := file.Open()
	if err != nil {
		Internal(c, "failed to open file")
		return
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(fileReader, head)
	fileReader.Close()
	contentType := http.DetectContentType(head[:n])
	ext, ok := assetExtensions[contentType]
	if !ok {
		BadRequest(c, "unsupported image type")
		return
	}

	if h.Scanner != nil {
		clean, err := h.scan(file.Open)
		if err != nil {
			h.Logger.Error("scan file", slog.String("error", err.Error()))
			Internal(c, "failed to scan file")
			return
		}
		if !clean {
			BadRequest(c, "malicious file detected")
			return
		}
	}

	fileReader, err = file.Open()
	if err != nil {
		Internal(c, "failed to reopen file")
		return
	}
	defer fileReader.Close()

	objectKey := fmt.Sprintf("%s%s/%s%s", assetPrefix, kind, uuid.NewString(), ext)
	if _, err := h.Storage.UploadFile(c.Request.Context(), objectKey, fileReader, file.Size, contentType); err != nil {
		h.Logger.Error("upload file", slog.String("error", err.Error()))
		Internal(c, "failed to upload file")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"objectKey": objectKey})
}

func (h *AssetHandler) scan(open func() (multipart.File, error)) (bool, error) {
	reader, err := open()
	if err != nil {
		return false, err
	}
	defer reader.Close()

	abortChan := make(chan bool)
	defer close(abortChan)
	scanChan, err := h.Scanner.ScanStream(reader, abortChan)
	if err != nil {
		return false, err
	}
	clean := true
	for result := range scanChan {
		if result.Status != clamd.RES_OK {
			clean = false
		}
	}
	return clean, nil
}

// ListAssets 按类别列出已上传的资源，最新的在前。
func (h *AssetHandler) ListAssets(c *gin.Context) {
	kind := c.DefaultQuery("kind", "photos")
	if _, ok := assetKinds[kind]; !ok {
		BadRequest(c, "unknown asset kind")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultAssetLimit)))
	if err != nil || limit <= 0 {
		limit = defaultAssetLimit
	}
	if limit > maxAssetLimit {
		limit = maxAssetLimit
	}

	objects, err := h.Storage.ListObjects(c.Request.Context(), assetPrefix+kind+"/", limit)
	if err != nil {
		h.Logger.Error("list assets", slog.String("error", err.Error()))
		Internal(c, "failed to list assets")
		return
	}
	sort.Slice(objects, func(i, j int) bool {
		return objects[i].LastModified.After(objects[j].LastModified)
	})

	items := make([]gin.H, 0, len(objects))
	for _, obj := range objects {
		url, err := h.Storage.GeneratePresignedURL(c.Request.Context(), obj.Key, assetViewURLTTL)
		if err != nil {
			h.Logger.Error("generate asset url", slog.String("objectKey", obj.Key), slog.String("error", err.Error()))
			continue
		}
		items = append(items, gin.H{
			"objectKey":    obj.Key,
			"previewUrl":   url,
			"size":         obj.Size,
			"lastModified": obj.LastModified,
		})
	}

	c.JSON(http.StatusOK, gin.H{"items": items})
}

// GetAssetURL 返回资源的临时预签名 URL。
func (h *AssetHandler) GetAssetURL(c *gin.Context) {
	objectKey := c.Query("key")
	if objectKey == "" {
		BadRequest(c, "missing key")
		return
	}
	if !isValidAssetObjectKey(objectKey) {
		Forbidden(c, "access denied")
		return
	}

	signedURL, err := h.Storage.GeneratePresignedURL(c.Request.Context(), objectKey, assetViewURLTTL)
	if err != nil {
		h.Logger.Error("generate presigned url", slog.String("error", err.Error()))
		Internal(c, "failed to generate url")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

func isValidAssetObjectKey(key string) bool {
	if key == "" || !utf8.ValidString(key) || len(key) > maxAssetKeyLength {
		return false
	}
	rest, ok := strings.CutPrefix(key, assetPrefix)
	if !ok {
		return false
	}
	kind, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return false
	}
	if _, known := assetKinds[kind]; !known {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "\\") || strings.Contains(name, "/") {
		return false
	}
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".png") || strings.HasSuffix(lower, ".jpg") ||
		strings.HasSuffix(lower, ".jpeg") || strings.HasSuffix(lower, ".webp")
}
