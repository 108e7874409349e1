package main

import (
	"flag"
	"fmt"
	"log"

	"stratlab/internal/config"
	"stratlab/internal/database"
	"stratlab/internal/logger"
)

func main() {
	var (
		configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
		up         = flag.Bool("up", false, "运行数据库迁移")
		down       = flag.Bool("down", false, "回滚全部迁移")
		steps      = flag.Int("steps", 0, "前进(正数)或回滚(负数)指定步数")
		version    = flag.Bool("version", false, "显示当前迁移版本")
		force      = flag.Int("force", -1, "强制设置迁移版本（用于修复脏状态）")
		help       = flag.Bool("help", false, "显示帮助信息")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("加载 .env 失败: %v", err)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("加载配置文件失败: %v", err)
	}
	if !cfg.Storage.Enabled {
		log.Fatalf("storage is disabled in %s", *configPath)
	}

	db, err := database.NewConnection(&cfg.Storage.Config, logger.NewLogger(cfg.Logging))
	if err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}
	defer db.Close()

	migrator, err := database.NewMigrator(db)
	if err != nil {
		log.Fatalf("创建迁移器失败: %v", err)
	}
	defer migrator.Close()

	switch {
	case *down:
		rollbackMigrations(migrator)
	case *steps != 0:
		stepMigrations(migrator, *steps)
	case *version:
		showVersion(migrator)
	case *force >= 0:
		forceMigrationVersion(migrator, *force)
	case *up:
		runMigrations(migrator)
	default:
		runMigrations(migrator)
	}
}

func showHelp() {
	fmt.Println("stratlab 数据库迁移工具")
	fmt.Println()
	fmt.Println("用法:")
	fmt.Println("  migrate [选项]")
	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  -config string   配置文件路径 (默认: configs/config.yaml)")
	fmt.Println("  -up              运行数据库迁移")
	fmt.Println("  -down            回滚全部迁移")
	fmt.Println("  -steps int       前进或回滚指定步数")
	fmt.Println("  -version         显示当前迁移版本")
	fmt.Println("  -force int       强制设置迁移版本（用于修复脏状态）")
	fmt.Println()
	fmt.Println("示例:")
	fmt.Println("  migrate -up")
	fmt.Println("  migrate -steps -1")
	fmt.Println("  migrate -config configs/production.yaml -version")
}

func runMigrations(migrator *database.Migrator) {
	log.Println("开始运行数据库迁移...")
	if err := migrator.Up(); err != nil {
		log.Fatalf("数据库迁移失败: %v", err)
	}
	showVersion(migrator)
}

func rollbackMigrations(migrator *database.Migrator) {
	log.Println("开始回滚数据库迁移...")
	if err := migrator.Down(); err != nil {
		log.Fatalf("数据库回滚失败: %v", err)
	}
	showVersion(migrator)
}

func stepMigrations(migrator *database.Migrator, n int) {
	log.Printf("迁移 %d 步...", n)
	if err := migrator.Steps(n); err != nil {
		log.Fatalf("迁移失败: %v", err)
	}
	showVersion(migrator)
}

func showVersion(migrator *database.Migrator) {
	version, err := migrator.Version()
	if err != nil {
		log.Fatalf("获取迁移版本失败: %v", err)
	}
	fmt.Printf("当前迁移版本: %d\n", version)
}

func forceMigrationVersion(migrator *database.Migrator, version int) {
	log.Printf("强制设置迁移版本为: %d", version)
	if err := migrator.Force(version); err != nil {
		log.Fatalf("强制设置迁移版本失败: %v", err)
	}
	showVersion(migrator)
}
