package db

// SchemaVersion is stamped into EavNumber once per store.
const SchemaVersion = 1

const noJSONProp = "no_json"

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS "Data" (
		"path" TEXT NOT NULL,
		"file" TEXT NOT NULL,
		"data" TEXT,
		"fsstatSize" INTEGER,
		"fsstatMtime" INTEGER,
		"fsstatCtime" INTEGER,
		"fsstatBirthtime" INTEGER,
		PRIMARY KEY ("path", "file")
	)`,
	`CREATE TABLE IF NOT EXISTS "Index" (
		"prop" TEXT NOT NULL PRIMARY KEY,
		"type" TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS "DataIndexString" (
		"path" TEXT NOT NULL,
		"file" TEXT NOT NULL,
		"prop" TEXT NOT NULL,
		"value" TEXT,
		PRIMARY KEY ("path", "file", "prop")
	)`,
	`CREATE INDEX IF NOT EXISTS "ixDataIndexStringPropValue" ON "DataIndexString" ("prop", "value")`,
	`CREATE TABLE IF NOT EXISTS "DataIndexNumber" (
		"path" TEXT NOT NULL,
		"file" TEXT NOT NULL,
		"prop" TEXT NOT NULL,
		"value" REAL,
		PRIMARY KEY ("path", "file", "prop")
	)`,
	`CREATE INDEX IF NOT EXISTS "ixDataIndexNumberPropValue" ON "DataIndexNumber" ("prop", "value")`,
	`CREATE TABLE IF NOT EXISTS "DataEavString" (
		"path" TEXT NOT NULL,
		"file" TEXT NOT NULL,
		"prop" TEXT NOT NULL,
		"value" TEXT,
		PRIMARY KEY ("path", "file", "prop")
	)`,
	`CREATE TABLE IF NOT EXISTS "DataEavNumber" (
		"path" TEXT NOT NULL,
		"file" TEXT NOT NULL,
		"prop" TEXT NOT NULL,
		"value" REAL,
		PRIMARY KEY ("path", "file", "prop")
	)`,
	`CREATE TABLE IF NOT EXISTS "EavString" (
		"prop" TEXT NOT NULL PRIMARY KEY,
		"value" TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS "EavNumber" (
		"prop" TEXT NOT NULL PRIMARY KEY,
		"value" REAL
	)`,
	`INSERT INTO "EavNumber" ("prop", "value")
		SELECT 'schemaver', 1 WHERE NOT EXISTS (SELECT 1 FROM "EavNumber" WHERE "prop" = 'schemaver')`,
}

// purgeStatements drop index rows of undeclared props and rows orphaned from Data.
var purgeStatements = []string{
	`DELETE FROM "DataIndexString" WHERE "prop" NOT IN (SELECT "prop" FROM "Index" WHERE "type" = 'string')`,
	`DELETE FROM "DataIndexNumber" WHERE "prop" NOT IN (SELECT "prop" FROM "Index" WHERE "type" = 'number')`,
	orphanPurge("DataIndexString"),
	orphanPurge("DataIndexNumber"),
	orphanPurge("DataEavString"),
	orphanPurge("DataEavNumber"),
}

func orphanPurge(table string) string {
	return `DELETE FROM "` + table + `" WHERE rowid IN (
		SELECT x.rowid FROM "` + table + `" x
		LEFT JOIN "Data" d ON d."path" = x."path" AND d."file" = x."file"
		WHERE d."path" IS NULL)`
}
