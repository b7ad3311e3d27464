package main

import (
	"log"

	"shepherd/internal/config"
	"shepherd/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Info),
		TranslateError: true,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Starting database migration...")

	err = db.AutoMigrate(
		&models.Church{},
		&models.Member{},
		&models.Visitor{},
		&models.ChannelSetting{},
		&models.NotificationTemplate{},
		&models.DomainEvent{},
		&models.AutomationRule{},
		&models.ExecutionRecord{},
		&models.ChannelAttempt{},
		&models.ExecutionTransition{},
		&models.ApprovalTask{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed successfully!")

	log.Println("Creating additional indexes...")

	// Dispatcher sweep and escalation scans.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_status_wake ON execution_records(status, next_wake_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_church_created ON execution_records(church_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_executions_escalation ON execution_records(status, escalated_at)")

	// Operations views.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_attempts_execution_created ON channel_attempts(execution_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_transitions_execution ON execution_transitions(execution_id, created_at)")
	db.Exec("CREATE INDEX IF NOT EXISTS idx_approvals_church_status ON approval_tasks(church_id, status)")

	// Rule matching.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_rules_church_trigger ON automation_rules(church_id, trigger_type, is_active)")

	// Directory lookups.
	db.Exec("CREATE INDEX IF NOT EXISTS idx_members_church_role ON members(church_id, role, status)")

	log.Println("Indexes created successfully!")
}
