package database

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
    chat_id BIGINT NOT NULL PRIMARY KEY,
    username VARCHAR(255),
    balance INT NOT NULL DEFAULT 0,
    generation_count INT NOT NULL DEFAULT 0,
    first_generation_time DATETIME NULL,
    last_generation_time DATETIME NULL,
    registered_at DATETIME NOT NULL,
    referral_code VARCHAR(64) NOT NULL UNIQUE,
    referred_by BIGINT NULL,
    referral_bonus_claimed TINYINT(1) NOT NULL DEFAULT 0,
    daily_bonus_claimed_today TINYINT(1) NOT NULL DEFAULT 0,
    daily_bonus_streak INT NOT NULL DEFAULT 0,
    last_bonus_reminder_date DATE NULL,
    discount_offered TINYINT(1) NOT NULL DEFAULT 0,
    last_activity_time DATETIME NULL,
    advertising_source VARCHAR(64) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_users_referred_by (referred_by),
    INDEX idx_users_registered_at (registered_at)
)`,
	`CREATE TABLE IF NOT EXISTS payments (
    payment_id VARCHAR(64) NOT NULL PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    item_name VARCHAR(255) NOT NULL,
    quantity INT NOT NULL,
    price DECIMAL(12,2) NOT NULL,
    status VARCHAR(32) NOT NULL,
    generations_added TINYINT(1) NOT NULL DEFAULT 0,
    cancellation_reason VARCHAR(128) NULL,
    cancellation_party VARCHAR(64) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    INDEX idx_payments_chat (chat_id),
    INDEX idx_payments_pending (generations_added, status),
    FOREIGN KEY (chat_id) REFERENCES users(chat_id)
)`,
	`CREATE TABLE IF NOT EXISTS advertising_sources (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    source_code VARCHAR(64) NOT NULL UNIQUE,
    campaign_name VARCHAR(255) NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS generation_logs (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    chat_id BIGINT NOT NULL,
    generation_number INT NOT NULL,
    outcome VARCHAR(16) NOT NULL,
    main_images INT NOT NULL DEFAULT 0,
    bonus_images INT NOT NULL DEFAULT 0,
    reason VARCHAR(512) NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    INDEX idx_generation_logs_chat (chat_id, created_at)
)`,
}
