// 版权所有 2024 Orchestra Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 负责按驱动打开 GORM 连接并管理连接池，供 SQL 状态存储使用。

# 核心类型

  - Config：驱动（sqlite / postgres / mysql）、DSN 与连接池配置。
  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 Ping、Stats、Close、
    事务执行与带退避的事务重试。

# 主要能力

  - Open：根据 Driver 选择 glebarez/sqlite、postgres 或 mysql 方言。
  - 健康检查：后台定时 PingContext 探活。
  - 事务重试：死锁、序列化失败、连接中断等错误按指数退避重试。
*/
package database
