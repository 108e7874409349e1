package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"

	"stratlab/internal/config"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		envPath    = flag.String("env", ".env", "环境变量文件路径")
		validate   = flag.Bool("validate", false, "验证配置")
		encrypt    = flag.String("encrypt", "", "加密字符串")
		decrypt    = flag.String("decrypt", "", "解密字符串")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if err := config.LoadDotEnv(*envPath); err != nil {
		log.Fatalf("加载环境变量文件失败: %v", err)
	}

	switch {
	case *encrypt != "":
		encryptString(*encrypt)
	case *decrypt != "":
		decryptString(*decrypt)
	case *validate:
		validateConfig(*configPath)
	default:
		showHelp()
	}
}

func showHelp() {
	fmt.Println("stratlab 配置管理工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  stratlab-config [选项]")
	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  -config string    配置文件路径 (默认: configs/config.yaml)")
	fmt.Println("  -env string       环境变量文件路径 (默认: .env)")
	fmt.Println("  -validate         验证配置文件")
	fmt.Println("  -encrypt string   加密字符串 (密钥取自 STRATLAB_ENCRYPTION_KEY)")
	fmt.Println("  -decrypt string   解密字符串")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  stratlab-config -validate")
	fmt.Println("  stratlab-config -encrypt 'my-secret-password'")
	fmt.Println("  stratlab-config -decrypt 'ENC:encrypted-string'")
}

func validateConfig(configPath string) {
	fmt.Printf("正在验证配置文件: %s\n", configPath)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		log.Fatalf("配置文件不存在: %s", configPath)
	}

	// Load 已包含环境变量覆盖与校验
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	fmt.Println("✅ 配置验证通过")
	showConfigSummary(cfg)
}

func showConfigSummary(cfg *config.Config) {
	storage := "memory only"
	if cfg.Storage.Enabled {
		storage = string(cfg.Storage.Driver)
		if cfg.Storage.Path != "" && cfg.Storage.Driver == "sqlite" {
			storage += " (" + cfg.Storage.Path + ")"
		}
	}
	redis := "disabled"
	if cfg.Redis.Enabled {
		redis = cfg.Redis.Addr
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Section", "Value")
	table.Append("app", fmt.Sprintf("%s %s (%s)", cfg.App.Name, cfg.App.Version, cfg.App.Env))
	table.Append("server", cfg.Server.Addr())
	table.Append("workers", fmt.Sprintf("%d (queue %d)", cfg.Scheduler.MaxConcurrentRuns, cfg.Scheduler.MaxQueued))
	table.Append("storage", storage)
	table.Append("redis", redis)
	table.Append("engine", cfg.Engine.Source)
	table.Append("logging", fmt.Sprintf("%s/%s", cfg.Logging.Level, cfg.Logging.Format))
	if len(cfg.Recurring) > 0 {
		names := make([]string, 0, len(cfg.Recurring))
		for _, r := range cfg.Recurring {
			names = append(names, r.Name+" "+r.Schedule)
		}
		table.Append("recurring", strings.Join(names, ", "))
	}
	table.Render()
}

func encryptString(plaintext string) {
	em := config.NewEnvManager("", "")
	encrypted, err := em.Encrypt(plaintext)
	if err != nil {
		log.Fatalf("加密失败: %v", err)
	}
	fmt.Printf("ENC:%s\n", encrypted)
}

func decryptString(value string) {
	em := config.NewEnvManager("", "")
	decrypted, err := em.Decrypt(strings.TrimPrefix(value, "ENC:"))
	if err != nil {
		log.Fatalf("解密失败: %v", err)
	}
	fmt.Println(decrypted)
}
