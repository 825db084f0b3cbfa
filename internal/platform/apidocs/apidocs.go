package apidocs

import (
	_ "embed"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"gopkg.in/yaml.v3"
)

//go:embed openapi.yaml
var openapi []byte

const docPath = "/openapi.yaml"

// Document: 埋め込みの OpenAPI 定義に version を差し込んだもの
func Document(version string) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(openapi, &doc); err != nil {
		return nil, fmt.Errorf("openapi.yaml: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("openapi.yaml: empty document")
	}
	if version != "" {
		if info := mapValue(doc.Content[0], "info"); info != nil {
			if v := mapValue(info, "version"); v != nil {
				v.Value = version
			}
		}
	}
	return yaml.Marshal(&doc)
}

// Register: GET /openapi.yaml と Swagger UI（/swagger/index.html）
func Register(r gin.IRoutes, version string) error {
	doc, err := Document(version)
	if err != nil {
		return err
	}
	r.GET(docPath, func(c *gin.Context) {
		c.Data(http.StatusOK, "application/yaml", doc)
	})
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL(docPath)))
	return nil
}

func mapValue(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
