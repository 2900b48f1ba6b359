package sqlite

const schemaDDL = `
CREATE TABLE IF NOT EXISTS orders (
	id           TEXT PRIMARY KEY,
	trader       TEXT NOT NULL DEFAULT '',
	pair         TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL DEFAULT '',
	type         TEXT NOT NULL DEFAULT '',
	price        TEXT NOT NULL DEFAULT '0',
	quantity     TEXT NOT NULL DEFAULT '0',
	filled       TEXT NOT NULL DEFAULT '0',
	status       TEXT NOT NULL DEFAULT '',
	ts           TEXT NOT NULL,
	final        INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	cold_address TEXT
);

CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders(pair);
CREATE INDEX IF NOT EXISTS idx_orders_trader ON orders(trader);

CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	pair         TEXT NOT NULL DEFAULT '',
	price        TEXT NOT NULL DEFAULT '0',
	quantity     TEXT NOT NULL DEFAULT '0',
	taker_order  TEXT NOT NULL DEFAULT '',
	maker_order  TEXT NOT NULL DEFAULT '',
	ts           TEXT NOT NULL,
	final        INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	cold_address TEXT
);

CREATE INDEX IF NOT EXISTS idx_trades_pair_ts ON trades(pair, ts);

CREATE TABLE IF NOT EXISTS positions (
	id           TEXT PRIMARY KEY,
	trader       TEXT NOT NULL DEFAULT '',
	market       TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL DEFAULT '',
	size         TEXT NOT NULL DEFAULT '0',
	entry_price  TEXT NOT NULL DEFAULT '0',
	leverage     TEXT NOT NULL DEFAULT '0',
	margin       TEXT NOT NULL DEFAULT '0',
	status       TEXT NOT NULL DEFAULT '',
	ts           TEXT NOT NULL,
	final        INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	cold_address TEXT
);

CREATE INDEX IF NOT EXISTS idx_positions_trader ON positions(trader);

CREATE TABLE IF NOT EXISTS funding_rates (
	id           TEXT PRIMARY KEY,
	market       TEXT NOT NULL DEFAULT '',
	rate         TEXT NOT NULL DEFAULT '0',
	applied_at   TEXT NOT NULL DEFAULT '',
	ts           TEXT NOT NULL,
	final        INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	cold_address TEXT
);

CREATE TABLE IF NOT EXISTS book_snapshots (
	id           TEXT PRIMARY KEY,
	pair         TEXT NOT NULL DEFAULT '',
	sequence     INTEGER NOT NULL DEFAULT 0,
	ts           TEXT NOT NULL,
	final        INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	cold_address TEXT
);

CREATE TABLE IF NOT EXISTS records (
	kind         TEXT NOT NULL,
	id           TEXT NOT NULL,
	ts           TEXT NOT NULL,
	final        INTEGER NOT NULL DEFAULT 0,
	seq          INTEGER NOT NULL DEFAULT 0,
	payload      TEXT,
	cold_address TEXT,
	PRIMARY KEY (kind, id)
);
`

type column struct {
	name  string
	field string
}

type table struct {
	name    string
	columns []column
}

// tables maps a record kind to its table and the payload fields copied into
// queryable columns. Kinds not listed go to the generic records table.
var tables = map[string]table{
	"order": {name: "orders", columns: []column{
		{"trader", "trader"}, {"pair", "pair"}, {"side", "side"}, {"type", "type"},
		{"price", "price"}, {"quantity", "quantity"}, {"filled", "filled"}, {"status", "status"},
	}},
	"trade": {name: "trades", columns: []column{
		{"pair", "pair"}, {"price", "price"}, {"quantity", "quantity"},
		{"taker_order", "taker_order"}, {"maker_order", "maker_order"},
	}},
	"position": {name: "positions", columns: []column{
		{"trader", "trader"}, {"market", "market"}, {"side", "side"}, {"size", "size"},
		{"entry_price", "entry_price"}, {"leverage", "leverage"}, {"margin", "margin"}, {"status", "status"},
	}},
	"funding": {name: "funding_rates", columns: []column{
		{"market", "market"}, {"rate", "rate"}, {"applied_at", "applied_at"},
	}},
	"book": {name: "book_snapshots", columns: []column{
		{"pair", "pair"}, {"sequence", "sequence"},
	}},
}
