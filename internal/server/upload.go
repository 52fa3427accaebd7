package server

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const maxUploadSize = 10 << 20 // 10 MB

// 聊天附件只收图片和短视频，其余类型一律拒收。
var allowedUploadTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/gif":  {},
	"image/webp": {},
	"video/mp4":  {},
	"video/webm": {},
}

// Upload 处理单文件上传：校验类型与大小，落盘到随机前缀的文件名，
// 返回可公开访问的 URL。接口本身无状态，与中继互不依赖。
func (h *Handler) Upload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	if header.Size > maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file too large, max 10MB"})
		return
	}
	contentType := header.Header.Get("Content-Type")
	if _, ok := allowedUploadTypes[contentType]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	// 随机前缀避免同名覆盖，同时丢掉客户端路径里的目录部分。
	base := filepath.Base(header.Filename)
	base = strings.ReplaceAll(base, "..", "")
	name := uuid.NewString() + "-" + base
	dst := filepath.Join(h.cfg.UploadDir, name)
	if err := c.SaveUploadedFile(header, dst); err != nil {
		log.Error().Err(err).Str("file", name).Msg("save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"fileUrl":  h.cfg.PublicBaseURL + "/uploads/" + name,
		"fileName": header.Filename,
		"fileSize": header.Size,
		"fileType": contentType,
	})
}
