package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config 定义应用程序的配置结构
// 使用 mapstructure 标签来映射配置文件中的字段
type Config struct {
	ListenAddr     string   `mapstructure:"listen_addr"`     // HTTP API 与 WebSocket 监听地址
	LogLevel       string   `mapstructure:"log_level"`       // debug / info / warn / error
	LogFormat      string   `mapstructure:"log_format"`      // json 或 text
	JournalPath    string   `mapstructure:"journal_path"`    // 任务日志文件，空字符串表示不记录
	MachinePath    string   `mapstructure:"machine_path"`    // 仪器硬件边界配置文件
	FlowCells      []string `mapstructure:"flowcells"`       // 流动池名称列表
	SimDelayMs     int      `mapstructure:"sim_delay_ms"`    // 模拟仪器每个动作的耗时
	CameraEndpoint string   `mapstructure:"camera_endpoint"` // 非空时使用远程相机
}

// LoadConfig 从指定文件加载配置，path 为空时在当前目录查找 config.yaml
// 使用 Viper 库来读取和解析配置文件
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config") // 配置文件名称 (不带扩展名)
		v.SetConfigType("yaml")   // 配置文件类型
		v.AddConfigPath(".")      // 查找配置文件的路径 (当前目录)
	}

	// 设置默认值
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("machine_path", "machine_settings.yaml")
	v.SetDefault("flowcells", []string{"A", "B"})
	v.SetDefault("sim_delay_ms", 50)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
