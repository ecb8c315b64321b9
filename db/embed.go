// Package db provides the embedded database schema for the promo engine.
package db

import _ "embed"

// Schema contains the DDL for the coupons, coupon_redemptions, and
// api_keys tables.
//
//go:embed migrations/001_schema.sql
var Schema string
