package config

import (
	"encoding/json"
	"fmt"
	"os"

	"binance-multigrid-bot/internal/models"
)

// LoadConfig 从指定路径加载JSON配置文件并解析到Config结构体中，
// 解析后立即校验并填充默认值
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	config := &models.Config{}
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}
