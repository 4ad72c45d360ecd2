// Package permission 实现自托管授权引擎：派生路径下的所有者钱包、
// 一次性预授权操作与严格递增的 nonce。
//
// 每个可变调用都必须携带对应钱包方案的有效签名，且 nonce 等于该
// 路径当前的 next_nonce；任何重放一律拒绝，不存在部分生效。executed
// 标志的翻转是存储层的比较并交换，保证同一授权最多被消费一次。
package permission
