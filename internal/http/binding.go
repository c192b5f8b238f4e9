package http

import (
	"fmt"
	"mime/multipart"
	"regexp"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"agrimarket/internal/domain"
	"agrimarket/internal/service"
)

var (
	msisdnPattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
	validatorOnce sync.Once
)

// registerValidators adds the custom binding tags used by request structs.
func registerValidators() {
	validatorOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("role", func(fl validator.FieldLevel) bool {
			return domain.Role(fl.Field().String()).IsValid()
		})
		_ = v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
			return msisdnPattern.MatchString(fl.Field().String())
		})
	})
}

// pathID parses a positive integer path parameter, answering 400 otherwise.
func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return id, true
}

// formUpload opens the named multipart file. The caller closes the file.
func formUpload(c *gin.Context, field string) (service.Upload, multipart.File, bool) {
	header, err := c.FormFile(field)
	if err != nil {
		badRequest(c, fmt.Sprintf("missing file field %q", field))
		return service.Upload{}, nil, false
	}
	file, err := header.Open()
	if err != nil {
		badRequest(c, "unreadable upload")
		return service.Upload{}, nil, false
	}
	return service.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	}, file, true
}
