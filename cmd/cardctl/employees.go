package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gorm.io/gorm/clause"

	"idcard/internal/config"
	"idcard/internal/database"
)

var (
	dbHost    string
	dbPort    int
	dbName    string
	dbUser    string
	dbPass    string
	dbSSLMode string
)

var employeesCmd = &cobra.Command{
	Use:   "employees",
	Short: "Employee roster commands",
}

var employeesImportCmd = &cobra.Command{
	Use:   "import <roster.yaml>",
	Short: "Upsert a YAML roster into the employees table",
	Args:  cobra.ExactArgs(1),
	RunE:  runEmployeesImport,
}

func init() {
	f := employeesCmd.PersistentFlags()
	f.StringVar(&dbHost, "db-host", "", "数据库 Host（可选，默认读 DATABASE_HOST）")
	f.IntVar(&dbPort, "db-port", 0, "数据库 Port（可选，默认读 DATABASE_PORT）")
	f.StringVar(&dbName, "db-name", "", "数据库名（可选，默认读 POSTGRES_DB）")
	f.StringVar(&dbUser, "db-user", "", "数据库用户（可选，默认读 POSTGRES_USER）")
	f.StringVar(&dbPass, "db-password", "", "数据库密码（可选，默认读 POSTGRES_PASSWORD）")
	f.StringVar(&dbSSLMode, "db-sslmode", "", "数据库 SSLMODE（可选，默认读 DATABASE_SSLMODE）")

	employeesCmd.AddCommand(employeesImportCmd)
}

func runEmployeesImport(cmd *cobra.Command, args []string) error {
	employees, err := loadRoster(args[0])
	if err != nil {
		return err
	}
	if len(employees) == 0 {
		return errors.New("roster is empty")
	}

	dbCfg, err := loadDatabaseConfig(dbHost, dbPort, dbName, dbUser, dbPass, dbSSLMode)
	if err != nil {
		return fmt.Errorf("load database config: %w", err)
	}
	db, err := database.InitDatabase(dbCfg)
	if err != nil {
		return err
	}
	if err := database.AutoMigrate(db); err != nil {
		return err
	}

	rows := make([]database.Employee, 0, len(employees))
	for _, emp := range employees {
		rows = append(rows, database.EmployeeFromBinder(emp))
	}
	if err := db.WithContext(cmd.Context()).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		CreateInBatches(rows, 200).Error; err != nil {
		return fmt.Errorf("upsert employees: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "imported %d employees into %s\n", len(rows), dbCfg.Name)
	return nil
}

// loadDatabaseConfig 命令行参数优先，其次读取与服务端相同的环境变量。
func loadDatabaseConfig(host string, port int, name, user, password, sslmode string) (config.DatabaseConfig, error) {
	pick := func(flag string, envs ...string) string {
		if v := strings.TrimSpace(flag); v != "" {
			return v
		}
		for _, env := range envs {
			if v := strings.TrimSpace(os.Getenv(env)); v != "" {
				return v
			}
		}
		return ""
	}

	if port <= 0 {
		if env := strings.TrimSpace(os.Getenv("DATABASE_PORT")); env != "" {
			p, err := strconv.Atoi(env)
			if err != nil {
				return config.DatabaseConfig{}, fmt.Errorf("parse DATABASE_PORT: %w", err)
			}
			port = p
		}
	}

	defaults := config.Defaults().Database
	cfg := config.DatabaseConfig{
		Host:     pick(host, "DATABASE_HOST"),
		Port:     port,
		Name:     pick(name, "POSTGRES_DB", "DB_NAME"),
		User:     pick(user, "POSTGRES_USER", "DB_USER"),
		Password: pick(password, "POSTGRES_PASSWORD", "DB_PASSWORD"),
		SSLMode:  pick(sslmode, "DATABASE_SSLMODE"),
	}
	if cfg.Host == "" {
		cfg.Host = defaults.Host
	}
	if cfg.Port <= 0 {
		cfg.Port = defaults.Port
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = defaults.SSLMode
	}
	if cfg.Name == "" {
		return config.DatabaseConfig{}, errors.New("database name is required (POSTGRES_DB)")
	}
	if cfg.User == "" {
		return config.DatabaseConfig{}, errors.New("database user is required (POSTGRES_USER)")
	}
	if cfg.Password == "" {
		return config.DatabaseConfig{}, errors.New("database password is required (POSTGRES_PASSWORD)")
	}
	return cfg, nil
}
